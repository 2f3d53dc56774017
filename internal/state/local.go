package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// stateVersion is written into every state file.
const stateVersion = "1.0"

// LocalBackend implements Backend using a local JSON file.
type LocalBackend struct {
	Path string
}

// NewLocalBackend creates a new local JSON state backend.
func NewLocalBackend(path string) *LocalBackend {
	return &LocalBackend{Path: path}
}

// stateFile is the on-disk JSON structure.
type stateFile struct {
	Version string   `json:"version"`
	Mission Snapshot `json:"mission"`
}

// Load reads the snapshot from the JSON file. A missing file is an empty
// mission.
func (b *LocalBackend) Load() (Snapshot, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewMission().Snapshot(), nil
		}
		return Snapshot{}, err
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return Snapshot{}, fmt.Errorf("parse state file %s: %w", b.Path, err)
	}
	if sf.Version != stateVersion {
		return Snapshot{}, fmt.Errorf("state file %s has unsupported version %q", b.Path, sf.Version)
	}
	return sf.Mission, nil
}

// Save writes the snapshot to the JSON file. Map keys are emitted sorted,
// so unchanged state produces an identical file.
func (b *LocalBackend) Save(s Snapshot) error {
	if s.Outputs == nil {
		s.Outputs = []string{}
	}
	sf := stateFile{
		Version: stateVersion,
		Mission: s,
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(b.Path, data, 0644)
}
