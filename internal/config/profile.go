package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/attendry/internal/model"
)

// LoadProfile reads the user profile from a YAML file. An empty path yields
// an empty profile.
func LoadProfile(path string) (model.Profile, error) {
	var p model.Profile
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrapf(err, "config: read profile %s", path)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, eris.Wrapf(err, "config: parse profile %s", path)
	}

	p.IndustryTerms = cleanTerms(p.IndustryTerms)
	p.ICPTerms = cleanTerms(p.ICPTerms)
	p.Competitors = cleanTerms(p.Competitors)
	return p, nil
}

// cleanTerms trims terms and drops blanks and case-insensitive repeats.
func cleanTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	var out []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		k := strings.ToLower(t)
		if t == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	return out
}
