// Package resume persists and reloads the {seed, index, shard} triple
// spec.md §6 specifies: when an operator interrupts a non-infinite scan,
// the engine writes this file so a later run with --resume can reopen
// the same permutation at the saved index instead of starting over.
package resume

import (
	"encoding/json"
	"fmt"
	"os"
)

// State is the resume file's content.
type State struct {
	Seed  uint64 `json:"seed"`
	Index uint64 `json:"index"`
	ShardIndex int `json:"shard_index"`
	ShardOf    int `json:"shard_of"`
}

// Save writes state to path as JSON, overwriting any existing file.
func Save(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("resume: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("resume: write %s: %w", path, err)
	}
	return nil
}

// Load reads and parses a resume file written by Save.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("resume: read %s: %w", path, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("resume: parse %s: %w", path, err)
	}
	return state, nil
}
