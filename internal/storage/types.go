package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": one JSON document per dataset under Path (a directory)
//   - "sqlite": single SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API used by the subscription store and
// the change-detection cache.
type Store interface {
	// Load decodes the dataset into v. Returns found=false (and leaves v
	// untouched) when the dataset has never been saved.
	Load(ctx context.Context, name string, v any) (found bool, err error)

	// Save encodes v and replaces the dataset atomically.
	Save(ctx context.Context, name string, v any) error

	Close() error
}
