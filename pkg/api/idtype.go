package api

import (
	"strings"
)

// IDType names the kind of identifier used for a retrieval.
type IDType string

// Identifier types understood by the retrieval APIs.
const (
	IDTypeEID      IDType = "eid"
	IDTypeDOI      IDType = "doi"
	IDTypePII      IDType = "pii"
	IDTypeScopusID IDType = "scopus_id"
	IDTypePubMedID IDType = "pubmed_id"
	IDTypePUI      IDType = "pui"
)

// eidPrefix starts every Scopus document EID.
const eidPrefix = "2-s2.0-"

// DetectIDType guesses the id type from the shape of id:
//
//   - starts with "2-s2.0-"            -> eid
//   - contains "/" or "."              -> doi
//   - 16 or 17 characters, not numeric -> pii
//   - numeric, fewer than 10 digits    -> pubmed_id
//   - numeric otherwise                -> scopus_id
func DetectIDType(id string) (IDType, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &ValidationError{Parameter: "identifier", Value: id, Reason: "empty identifier"}
	}

	if isDigits(id) {
		if len(id) < 10 {
			return IDTypePubMedID, nil
		}
		return IDTypeScopusID, nil
	}

	switch {
	case strings.HasPrefix(id, eidPrefix):
		return IDTypeEID, nil
	case strings.Contains(id, "/") || strings.Contains(id, "."):
		return IDTypeDOI, nil
	case len(id) == 16 || len(id) == 17:
		return IDTypePII, nil
	}

	return "", &ValidationError{Parameter: "identifier", Value: id, Reason: "id type detection failed"}
}

// StripEIDPrefix turns an author or affiliation EID ("9-s2.0-123",
// "10-s2.0-456") into its bare numeric id.
func StripEIDPrefix(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "-"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
