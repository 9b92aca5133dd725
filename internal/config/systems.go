package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/knoguchi/livelab/internal/repository"
)

// SystemSpec is one entry of the systems file
type SystemSpec struct {
	Name        string `koanf:"name"`
	Role        string `koanf:"role"`
	Baseline    bool   `koanf:"baseline"`
	Precomputed bool   `koanf:"precomputed"`
	URL         string `koanf:"url"`
	HitsPath    string `koanf:"hits_path"`
	DocID       string `koanf:"docid"`
}

// roleAliases maps accepted role spellings to roles
var roleAliases = map[string]repository.Role{
	"ranking":        repository.RoleRanking,
	"ranker":         repository.RoleRanking,
	"recommendation": repository.RoleRecommendation,
	"recommender":    repository.RoleRecommendation,
}

// LoadSystems reads and validates the systems file at path
func LoadSystems(path string) ([]*repository.System, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load systems file %s: %w", path, err)
	}

	var specs []SystemSpec
	if err := k.Unmarshal("systems", &specs); err != nil {
		return nil, fmt.Errorf("failed to parse systems file %s: %w", path, err)
	}
	return BuildSystems(specs)
}

// BuildSystems converts specs into systems. Names must be unique and each
// role may have at most one baseline.
func BuildSystems(specs []SystemSpec) ([]*repository.System, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no systems configured")
	}

	seen := make(map[string]bool, len(specs))
	baselines := make(map[repository.Role]string)
	systems := make([]*repository.System, 0, len(specs))

	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("system %d: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("system %s: duplicate name", name)
		}
		seen[name] = true

		role, ok := roleAliases[strings.ToLower(strings.TrimSpace(spec.Role))]
		if !ok {
			return nil, fmt.Errorf("system %s: invalid role %q", name, spec.Role)
		}
		if spec.Baseline {
			if other, dup := baselines[role]; dup {
				return nil, fmt.Errorf("system %s: %s already has baseline %s", name, role, other)
			}
			baselines[role] = name
		}

		lifecycle := repository.LifecycleLive
		if spec.Precomputed {
			lifecycle = repository.LifecyclePrecomputed
		}
		systems = append(systems, &repository.System{
			Name:       name,
			Role:       role,
			Lifecycle:  lifecycle,
			Baseline:   spec.Baseline,
			URL:        strings.TrimSpace(spec.URL),
			HitsPath:   strings.TrimSpace(spec.HitsPath),
			DocIDField: strings.TrimSpace(spec.DocID),
		})
	}
	return systems, nil
}

// LoadList reads one entry per line, skipping blanks. An empty path yields nothing.
func LoadList(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}
