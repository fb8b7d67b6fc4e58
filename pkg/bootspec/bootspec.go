// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bootspec loads generation descriptors from disk.
//
// A descriptor is a JSON document describing one bootable generation:
// its kernel and initrd sources, command line, secrets manifest and
// specialisations. A directory of descriptors describes the full set of
// generations to keep bootable.
package bootspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/perigee-os/trustboot/pkg/types"
)

// ErrDescriptor is returned for unreadable or invalid descriptors.
var ErrDescriptor = errors.New("invalid generation descriptor")

// Load reads and validates a single generation descriptor.
func Load(path string) (types.Generation, error) {
	var generation types.Generation

	data, err := os.ReadFile(path)
	if err != nil {
		return generation, fmt.Errorf("%w: %w", ErrDescriptor, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&generation); err != nil {
		return generation, fmt.Errorf("%w: %s: %w", ErrDescriptor, path, err)
	}

	if err := validate(generation); err != nil {
		return generation, fmt.Errorf("%w: %s: %w", ErrDescriptor, path, err)
	}

	return generation, nil
}

// LoadAll reads every *.json descriptor in dir, sorted by generation
// number. Duplicate generation numbers across descriptors are an error.
func LoadAll(dir string) ([]types.Generation, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptor, err)
	}

	sort.Strings(matches)

	var generations []types.Generation

	seen := map[int]string{}

	for _, match := range matches {
		generation, err := Load(match)
		if err != nil {
			return nil, err
		}

		if previous, ok := seen[generation.Number]; ok {
			return nil, fmt.Errorf("%w: generation %d declared by both %s and %s",
				ErrDescriptor, generation.Number, previous, match)
		}

		seen[generation.Number] = match
		generations = append(generations, generation)
	}

	sort.Slice(generations, func(i, j int) bool {
		return generations[i].Number < generations[j].Number
	})

	return generations, nil
}

func validate(generation types.Generation) error {
	if generation.Number <= 0 {
		return fmt.Errorf("generation number must be positive, got %d", generation.Number)
	}

	if generation.KernelPath == "" {
		return errors.New("missing kernel path")
	}

	if generation.InitrdPath == "" {
		return errors.New("missing initrd path")
	}

	names := map[string]bool{}

	for _, specialisation := range generation.Specialisations {
		if specialisation.Name == "" {
			return errors.New("specialisation with empty name")
		}

		if names[specialisation.Name] {
			return fmt.Errorf("duplicate specialisation %q", specialisation.Name)
		}

		names[specialisation.Name] = true
	}

	return nil
}
