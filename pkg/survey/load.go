package survey

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of a persona or question file. Either list
// may be empty so personas and questions can live in separate files.
type Document struct {
	Personas  []Persona  `json:"personas" yaml:"personas"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// LoadFile reads a YAML or JSON document. The format is chosen by extension,
// .json meaning JSON and anything else YAML.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc Document
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &doc, nil
}

// Merge appends the lists of other onto d.
func (d *Document) Merge(other *Document) {
	if other == nil {
		return
	}
	d.Personas = append(d.Personas, other.Personas...)
	d.Questions = append(d.Questions, other.Questions...)
}
