// Package prompts stores the WAV prompts played to callers: the greeting,
// the unavailable notice and the optional ringback tone. The call handler
// references prompts by bucket and key; this package makes sure the keys
// exist and serves their bytes.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ErrNotFound is returned when a prompt key does not exist in the store.
var ErrNotFound = errors.New("prompt not found")

// Store is a content store of WAV prompts keyed by file name.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Prompt names one required prompt and the placeholder length to seed it with.
type Prompt struct {
	Key      string
	Duration time.Duration
}

// Seed writes a silent placeholder WAV for every prompt missing from store.
// Existing prompts are never overwritten. It returns the keys it created.
func Seed(ctx context.Context, store Store, prompts []Prompt, logger *slog.Logger) ([]string, error) {
	var created []string
	for _, p := range prompts {
		if p.Key == "" {
			continue
		}
		ok, err := store.Exists(ctx, p.Key)
		if err != nil {
			return created, fmt.Errorf("checking prompt %s: %w", p.Key, err)
		}
		if ok {
			logger.Debug("prompt already exists, skipping", "key", p.Key)
			continue
		}

		if err := store.Put(ctx, p.Key, PlaceholderWAV(p.Duration)); err != nil {
			return created, fmt.Errorf("writing prompt %s: %w", p.Key, err)
		}
		created = append(created, p.Key)
		logger.Warn("seeded placeholder prompt, replace with a recording", "key", p.Key)
	}
	return created, nil
}
