package inventory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticFile serves nodes and groups from a YAML file on disk. The file is
// re-read on every fetch; the aggregator's cache bounds the frequency.
type StaticFile struct {
	name string
	path string
}

// NewStaticFile builds a source reading the given YAML inventory file.
func NewStaticFile(path string) *StaticFile {
	return &StaticFile{name: "static", path: path}
}

func (s *StaticFile) Name() string { return s.name }

// Fetch reads and parses the file. A missing file is an empty inventory,
// not an error.
func (s *StaticFile) Fetch(ctx context.Context) (Inventory, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Inventory{}, nil
	}
	if err != nil {
		return Inventory{}, fmt.Errorf("read inventory file %s: %w", s.path, err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return Inventory{}, fmt.Errorf("parse inventory file %s: %w", s.path, err)
	}
	for i := range inv.Groups {
		if inv.Groups[i].Source == "" {
			inv.Groups[i].Source = s.name
		}
	}
	return inv, nil
}
