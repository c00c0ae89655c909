package recipient

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ProfileSource supplies recipients acquired out-of-band
type ProfileSource interface {
	Fetch(ctx context.Context) ([]*Recipient, error)
}

// FileSource reads recipients from a JSON file containing either an array
// of recipients or a single recipient object
type FileSource struct {
	Path string
}

// NewFileSource creates a JSON file profile source
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Fetch reads and validates all recipients from the file
func (f *FileSource) Fetch(ctx context.Context) ([]*Recipient, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	var list []*Recipient
	if err := json.Unmarshal(data, &list); err != nil {
		var single Recipient
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("failed to parse profile file: %w", err)
		}
		list = []*Recipient{&single}
	}

	for i, r := range list {
		if r == nil {
			return nil, fmt.Errorf("profile %d is null", i)
		}
		r.normalize()
		// Counters are owned by storage; imported values are ignored
		r.MessageCount = 0
		r.LastContactedAt = nil
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	return list, nil
}

// Import fetches recipients from src and upserts them into storage
func Import(ctx context.Context, src ProfileSource, st *Storage) (fetched, created int, err error) {
	list, err := src.Fetch(ctx)
	if err != nil {
		return 0, 0, err
	}

	created, err = st.Upsert(ctx, list...)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to store recipients: %w", err)
	}

	return len(list), created, nil
}
