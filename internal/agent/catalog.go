package agent

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadCatalog reads the regression-test corpus from a JSON file: an array
// of catalog entries with id, name, text and the three history factors.
func LoadCatalog(path string) ([]CatalogTest, error) {
	raw, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var catalog []CatalogTest
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("catalog %s is empty", path)
	}

	seen := make(map[string]bool, len(catalog))
	for i, entry := range catalog {
		if entry.ID == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", i)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("duplicate catalog test id %s", entry.ID)
		}
		seen[entry.ID] = true
		if entry.Text == "" {
			return nil, fmt.Errorf("catalog test %s has no text", entry.ID)
		}
		for name, v := range map[string]float64{
			"defect_density": entry.DefectDensity,
			"criticality":    entry.Criticality,
			"recurrence":     entry.Recurrence,
		} {
			if v < 0 || v > 1 {
				return nil, fmt.Errorf("catalog test %s: %s must be in [0, 1], got %g", entry.ID, name, v)
			}
		}
	}
	return catalog, nil
}
