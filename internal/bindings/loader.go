package bindings

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/XavSPM/RevpiEpics/internal/types"
)

const CurrentVersion = 1

// File is the on-disk form of a bindings list.
type File struct {
	Version  int                       `json:"version"`
	Bindings []types.BindingDefinition `json:"bindings"`
}

type Loader struct {
	validator *Validator
}

func NewLoader() (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{validator: validator}, nil
}

func (l *Loader) Validator() *Validator {
	return l.validator
}

func (l *Loader) Load(path string) ([]types.BindingDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bindings file: %w", err)
	}

	defs, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Parse validates data and returns the bindings in file order. Duplicate
// I/O names are rejected here so a bad file fails before anything is bound.
func (l *Loader) Parse(data []byte) ([]types.BindingDefinition, error) {
	if err := l.validator.Validate(data); err != nil {
		return nil, err
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bindings: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Bindings))
	for _, def := range file.Bindings {
		if _, dup := seen[def.IOName]; dup {
			return nil, fmt.Errorf("duplicate io_name %q", def.IOName)
		}
		seen[def.IOName] = struct{}{}

		if def.DriveLow != nil && def.DriveHigh != nil && *def.DriveLow > *def.DriveHigh {
			return nil, fmt.Errorf("%s: drvl %g above drvh %g", def.IOName, *def.DriveLow, *def.DriveHigh)
		}
	}

	return file.Bindings, nil
}
