package heat

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed processes.yaml
var processesYAML []byte

// Description is the public metadata of a process.
type Description struct {
	ID                string               `yaml:"id" json:"id"`
	Version           string               `yaml:"version" json:"version"`
	Title             string               `yaml:"title" json:"title"`
	Description       string               `yaml:"description" json:"description"`
	Keywords          []string             `yaml:"keywords" json:"keywords,omitempty"`
	JobControlOptions []string             `yaml:"jobControlOptions" json:"jobControlOptions"`
	Inputs            map[string]Parameter `yaml:"inputs" json:"inputs"`
	Outputs           map[string]Parameter `yaml:"outputs" json:"outputs"`
	Example           map[string]any       `yaml:"example" json:"example,omitempty"`
}

type Parameter struct {
	Title       string         `yaml:"title" json:"title"`
	Description string         `yaml:"description" json:"description"`
	Schema      map[string]any `yaml:"schema" json:"schema"`
	MinOccurs   *int           `yaml:"minOccurs" json:"minOccurs,omitempty"`
	MaxOccurs   *int           `yaml:"maxOccurs" json:"maxOccurs,omitempty"`
}

type descriptionFile struct {
	Processes []*Description `yaml:"processes"`
}

func loadDescriptions(b []byte) (map[string]*Description, error) {
	var f descriptionFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse process descriptions: %w", err)
	}
	out := make(map[string]*Description, len(f.Processes))
	for _, d := range f.Processes {
		if d.ID == "" {
			return nil, fmt.Errorf("process description without id")
		}
		if _, ok := out[d.ID]; ok {
			return nil, fmt.Errorf("duplicate process description %q", d.ID)
		}
		if len(d.JobControlOptions) == 0 {
			d.JobControlOptions = []string{"sync-execute"}
		}
		out[d.ID] = d
	}
	return out, nil
}

// output returns the title and description of an output, empty when unknown.
func (d *Description) output(name string) (string, string) {
	if d == nil {
		return "", ""
	}
	o := d.Outputs[name]
	return o.Title, o.Description
}
