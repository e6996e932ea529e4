package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to scan JSONB: invalid type")
	}
	return json.Unmarshal(bytes, j)
}

// Clone deep-copies j through its JSON form. Values that cannot be encoded are
// dropped, which matches what a document write would keep.
func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	out, err := ToJSONB(map[string]interface{}(j))
	if err != nil {
		shallow := make(JSONB, len(j))
		for k, v := range j {
			shallow[k] = v
		}
		return shallow
	}
	return out
}

// ToJSONB converts any JSON-encodable value into its document form, so that
// numbers read back as float64 no matter which store held the record.
func ToJSONB(v interface{}) (JSONB, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

// ==================== RESEARCH RECORDS ====================

// Paper is one bibliographic record returned by the search provider.
type Paper struct {
	PMID            string   `json:"pmid" mapstructure:"pmid"`
	Title           string   `json:"title" mapstructure:"title"`
	Authors         []string `json:"authors" mapstructure:"authors"`
	Abstract        string   `json:"abstract" mapstructure:"abstract"`
	Journal         string   `json:"journal" mapstructure:"journal"`
	PublicationDate string   `json:"publication_date" mapstructure:"publication_date"`
	DOI             string   `json:"doi,omitempty" mapstructure:"doi"`
	Keywords        []string `json:"keywords" mapstructure:"keywords"`
	CitationCount   int      `json:"citation_count" mapstructure:"citation_count"`
	URL             string   `json:"url" mapstructure:"url"`
}

// Year returns the leading four-digit year of the publication date, or 0.
func (p Paper) Year() int {
	if len(p.PublicationDate) < 4 {
		return 0
	}
	year := 0
	for _, r := range p.PublicationDate[:4] {
		if r < '0' || r > '9' {
			return 0
		}
		year = year*10 + int(r-'0')
	}
	return year
}
