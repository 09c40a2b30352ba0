// Package metrics exposes the Prometheus metrics of the client. The metrics
// themselves are defined in their packages (client, cache, ratelimit,
// search) and registered with the default registry through promauto.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Prefix starts the name of every client metric.
const Prefix = "scopus_"

// Registry is the registerer all client metrics are added to.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the registered metrics.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Sample is one series of a client metric. Histograms report their sample
// count.
type Sample struct {
	Name   string
	Labels string
	Value  float64
}

func (s Sample) String() string {
	if s.Labels == "" {
		return fmt.Sprintf("%s %g", s.Name, s.Value)
	}
	return fmt.Sprintf("%s{%s} %g", s.Name, s.Labels, s.Value)
}

// Snapshot returns the current non-zero client series, sorted by name and
// labels.
func Snapshot() ([]Sample, error) {
	families, err := Gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	var out []Sample
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, Prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			v := value(mf.GetType(), m)
			if v == 0 {
				continue
			}
			out = append(out, Sample{Name: name, Labels: labels(m), Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels < out[j].Labels
	})
	return out, nil
}

// WriteSummary writes Snapshot one series per line.
func WriteSummary(w io.Writer) error {
	samples, err := Snapshot()
	if err != nil {
		return err
	}
	for _, s := range samples {
		if _, err := fmt.Fprintln(w, s); err != nil {
			return err
		}
	}
	return nil
}

func value(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}

func labels(m *dto.Metric) string {
	pairs := make([]string, 0, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		pairs = append(pairs, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
	}
	return strings.Join(pairs, ",")
}

// Metrics catalogue
//
// Requests (pkg/client):
//   - scopus_requests_total{api, status} (Counter)
//   - scopus_request_duration_seconds{api} (Histogram)
//   - scopus_errors_total{class} (Counter): validation, client, auth_quota, server, network, query_too_large
//   - scopus_retries_total{error_class} (Counter)
//   - scopus_retry_backoff_seconds{error_class} (Histogram)
//   - scopus_retry_exhausted_total{error_class} (Counter)
//
// Credentials (pkg/credentials):
//   - scopus_key_exhaustions_total (Counter)
//   - scopus_keys_usable (Gauge, summed over open sessions)
//
// Cache (pkg/cache):
//   - scopus_cache_hits_total{api}, scopus_cache_misses_total{api},
//     scopus_cache_stale_total{api}, scopus_cache_writes_total{api} (Counter)
//   - scopus_cache_errors_total{operation} (Counter): load, save, delete
//
// Rate limiting and quota (pkg/ratelimit):
//   - scopus_ratelimit_wait_seconds{api} (Histogram)
//   - scopus_ratelimit_throttles_total{api} (Counter)
//   - scopus_quota_remaining{key} (Gauge): masked API key
//
// Search (pkg/search):
//   - scopus_search_pages_total{api} (Counter)
//
// Example Prometheus Queries:
//
//   # Cache hit rate
//   sum(rate(scopus_cache_hits_total[5m])) /
//   (sum(rate(scopus_cache_hits_total[5m])) + sum(rate(scopus_cache_misses_total[5m])))
//
//   # Keys close to their weekly quota
//   scopus_quota_remaining < 100
//
//   # P95 request latency per API
//   histogram_quantile(0.95, sum by (api, le) (rate(scopus_request_duration_seconds_bucket[5m])))
