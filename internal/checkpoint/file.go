package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type fileState struct {
	Values      map[string]string `json:"values"`
	LastUpdated time.Time         `json:"last_updated"`
}

// FileBackend keeps the settings in a single JSON file.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Values(ctx context.Context) (map[string]string, error) {
	state, err := b.load()
	if err != nil {
		return nil, err
	}
	return state.Values, nil
}

func (b *FileBackend) Put(ctx context.Context, values map[string]string) error {
	state, err := b.load()
	if err != nil {
		return err
	}
	for k, v := range values {
		state.Values[k] = v
	}
	state.LastUpdated = time.Now()
	return b.save(state)
}

func (b *FileBackend) load() (*fileState, error) {
	state := &fileState{Values: map[string]string{}}

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if state.Values == nil {
		state.Values = map[string]string{}
	}
	return state, nil
}

// save replaces the file atomically via a temp file and rename.
func (b *FileBackend) save(state *fileState) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}
