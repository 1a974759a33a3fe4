package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
)

// Catalog is the set of models offered to newly created sessions.
type Catalog struct {
	Default string   `json:"default"`
	Models  []string `json:"models"`
}

// DefaultCatalog returns the built-in model list.
func DefaultCatalog() Catalog {
	return Catalog{
		Default: "gpt-4",
		Models: []string{
			"gpt-4",
			"gpt-4-turbo",
			"gpt-4o",
			"gpt-4o-mini",
			"gpt-3.5-turbo",
			"claude-3-opus",
			"claude-3-sonnet",
			"claude-3-haiku",
			"gemini-pro",
			"gemini-flash",
		},
	}
}

// Validate checks that the catalog is non-empty, has no duplicates, and
// that its default is one of its models.
func (c Catalog) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("catalog has no models")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m == "" {
			return errors.New("catalog contains an empty model name")
		}
		if seen[m] {
			return fmt.Errorf("duplicate model %q", m)
		}
		seen[m] = true
	}
	if !seen[c.Default] {
		return fmt.Errorf("default model %q is not in the model list", c.Default)
	}
	return nil
}

func (c Catalog) clone() Catalog {
	return Catalog{Default: c.Default, Models: slices.Clone(c.Models)}
}

// LoadCatalog reads a catalog from a JSON file of the form
// {"default": "gpt-4", "models": ["gpt-4", ...]}. A missing default falls
// back to the first model.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read models file: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse models file %s: %w", path, err)
	}
	if c.Default == "" && len(c.Models) > 0 {
		c.Default = c.Models[0]
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("models file %s: %w", path, err)
	}
	return c, nil
}
