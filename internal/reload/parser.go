package reload

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parser is the out-of-scope declarative-file-parser collaborator's
// contract: consume a set of files, return a ConfigurationSet or a
// parse-error aggregate. ReloadOrchestrator must not assume referential
// consistency of the result; those checks belong to SnapshotStore and
// ValidationPipeline.
type Parser interface {
	Parse(files []string) (ConfigurationSet, error)
}

// yamlDatabaseFile/yamlQueryFile/yamlEndpointFile are the on-disk shapes
// for each declarative kind: a top-level list under a kind-named key.
type yamlDatabaseFile struct {
	Databases []DatabaseConfig `yaml:"databases"`
}

type yamlQueryFile struct {
	Queries []QueryConfig `yaml:"queries"`
}

type yamlEndpointFile struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// YAMLParser is the default, swappable Parser implementation: each file
// is classified by the same filename-substring rules as
// FileChangeEvent.DerivedKind and decoded with gopkg.in/yaml.v3.
type YAMLParser struct{}

// NewYAMLParser returns the default parser.
func NewYAMLParser() *YAMLParser { return &YAMLParser{} }

func (p *YAMLParser) Parse(files []string) (ConfigurationSet, error) {
	set := NewConfigurationSet()
	var parseErrs []error

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("%s: %w", path, err))
			continue
		}

		switch deriveKind(path) {
		case DerivedDatabase:
			var f yamlDatabaseFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			for _, d := range f.Databases {
				set.Databases[d.Name] = d
			}
		case DerivedQuery:
			var f yamlQueryFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			for _, q := range f.Queries {
				set.Queries[q.Name] = q
			}
		case DerivedEndpoint:
			var f yamlEndpointFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			for _, e := range f.Endpoints {
				set.Endpoints[e.Name] = e
			}
		default:
			parseErrs = append(parseErrs, fmt.Errorf("%s: %w: cannot classify file kind from name", path, ErrConfigSyntax))
		}
	}

	if len(parseErrs) > 0 {
		return set, fmt.Errorf("%w: %d file(s) failed to parse: %v", ErrConfigSyntax, len(parseErrs), parseErrs)
	}
	return set, nil
}
