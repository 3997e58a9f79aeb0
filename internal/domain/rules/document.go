package rules

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// MappingField is the mapping table the order code is looked up in.
const MappingField = "ServiceRequest.code"

// DefaultGuideline is cited when the document names none.
const DefaultGuideline = "North American Consensus Guidelines 2024 update"

// Document formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Document is the versioned rules configuration as stored on disk.
type Document struct {
	Version   string                       `json:"version"`
	Guideline Guideline                    `json:"guideline"`
	Mapping   map[string]map[string]string `json:"mapping"`
	Variants  map[string][]Variant         `json:"variants,omitempty"`
	Studies   map[string]Rule              `json:"studies"`
}

// Variant redirects a base key to another study key when When, a CEL
// expression over protocol.flow, protocol.region and protocol.strategy,
// evaluates to true.
type Variant struct {
	When     string `json:"when"`
	StudyKey string `json:"studyKey"`
}

// Guideline is either a bare citation string or an object whose fields are
// passed through to callers untouched.
type Guideline struct {
	Name     string
	Citation string
	URL      string
	Raw      map[string]any
}

func (g *Guideline) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*g = Guideline{Name: s, Raw: map[string]any{"name": s}}
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("guideline: %w", err)
	}
	g.Raw = raw
	g.Name, _ = raw["name"].(string)
	g.Citation, _ = raw["citation"].(string)
	g.URL, _ = raw["url"].(string)
	return nil
}

func (g Guideline) MarshalJSON() ([]byte, error) {
	if g.Raw != nil {
		return json.Marshal(g.Raw)
	}
	return json.Marshal(map[string]string{"name": g.Name, "citation": g.Citation, "url": g.URL})
}

// String is the citation shown to users.
func (g Guideline) String() string {
	switch {
	case g.Citation != "":
		return g.Citation
	case g.Name != "":
		return g.Name
	}
	return DefaultGuideline
}

// FormatFor picks the document format from a file name.
func FormatFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Parse decodes a document. YAML is normalised to JSON first so both formats
// share one schema.
func Parse(data []byte, format string) (*Document, error) {
	if format == FormatYAML {
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("parse rules yaml: %w", err)
		}
		converted, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("normalise rules yaml: %w", err)
		}
		data = converted
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules json: %w", err)
	}
	for key, rule := range doc.Studies {
		rule.StudyKey = key
		doc.Studies[key] = rule
	}
	return &doc, nil
}

// check validates every rule and the cross references between mapping,
// variants and studies. Dangling references are returned as warnings.
func (d *Document) check() (warnings []string, err error) {
	if len(d.Studies) == 0 {
		return nil, fmt.Errorf("rules document has no studies")
	}
	for _, key := range sortedKeys(d.Studies) {
		if err := d.Studies[key].validate(); err != nil {
			return nil, err
		}
	}

	codes := d.Mapping[MappingField]
	if len(codes) == 0 {
		return nil, fmt.Errorf("rules document has no %s mapping", MappingField)
	}
	for _, code := range sortedKeys(codes) {
		base := codes[code]
		if _, ok := d.Studies[base]; !ok && len(d.Variants[base]) == 0 {
			warnings = append(warnings, fmt.Sprintf("code %s maps to %s, which is neither a study nor has variants", code, base))
		}
	}
	for _, base := range sortedKeys(d.Variants) {
		for i, v := range d.Variants[base] {
			if strings.TrimSpace(v.When) == "" {
				return nil, fmt.Errorf("variant %s[%d]: when is required", base, i)
			}
			if _, ok := d.Studies[v.StudyKey]; !ok {
				warnings = append(warnings, fmt.Sprintf("variant %s[%d] targets unknown study %s", base, i, v.StudyKey))
			}
		}
	}
	return warnings, nil
}
