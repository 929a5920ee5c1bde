package lobby

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset describes one kind of group players can ask to join.
type Preset struct {
	Name     string         `yaml:"name"`
	Size     int            `yaml:"size"`
	Settings map[string]any `yaml:"settings"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// Validate checks a single preset.
func (p Preset) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("preset name must not be empty"))
	}
	if p.Size < 1 {
		errs = append(errs, fmt.Errorf("preset %q: size must be >= 1, got %d", p.Name, p.Size))
	}
	return errors.Join(errs...)
}

// LoadPresets reads and validates a YAML preset file.
//
// Precondition: path must point to a readable YAML file.
// Postcondition: Returns at least one valid preset with unique names, or a non-nil error.
func LoadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading presets file %s: %w", path, err)
	}
	return ParsePresets(data)
}

// ParsePresets parses and validates presets from YAML bytes.
func ParsePresets(data []byte) ([]Preset, error) {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing presets YAML: %w", err)
	}
	if len(file.Presets) == 0 {
		return nil, errors.New("no presets defined")
	}
	seen := make(map[string]struct{}, len(file.Presets))
	for _, p := range file.Presets {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate preset name: %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return file.Presets, nil
}
