package grader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Criterion is one scored dimension of the rubric.
type Criterion struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description"`
	Weight      float64 `yaml:"weight" json:"weight"`
}

// Rubric is the scoring sheet the judge applies. Each criterion is scored
// 0 to 10 and weighted.
type Rubric struct {
	Criteria []Criterion `yaml:"criteria" json:"criteria"`
}

// LoadRubric reads and validates a rubric YAML file.
func LoadRubric(path string) (*Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rubric: %w", err)
	}

	var r Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing rubric: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("rubric %s: %w", path, err)
	}
	return &r, nil
}

func (r *Rubric) validate() error {
	if len(r.Criteria) == 0 {
		return fmt.Errorf("no criteria defined")
	}
	seen := make(map[string]bool, len(r.Criteria))
	for i, c := range r.Criteria {
		if c.Name == "" {
			return fmt.Errorf("criterion %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate criterion %q", c.Name)
		}
		seen[c.Name] = true
		if c.Weight <= 0 {
			return fmt.Errorf("criterion %q must have a positive weight", c.Name)
		}
	}
	return nil
}

// MaxScore returns the weighted maximum (every criterion at 10).
func (r *Rubric) MaxScore() float64 {
	var max float64
	for _, c := range r.Criteria {
		max += 10 * c.Weight
	}
	return max
}

// Find returns the criterion by name, or nil.
func (r *Rubric) Find(name string) *Criterion {
	for i := range r.Criteria {
		if r.Criteria[i].Name == name {
			return &r.Criteria[i]
		}
	}
	return nil
}
