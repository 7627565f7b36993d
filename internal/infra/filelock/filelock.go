// Package filelock is a run lock held by creating a file exclusively. A lock
// file older than its TTL is considered abandoned and taken over.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

type lockInfo struct {
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Locker implements storage.Locker with one lock file per pipeline in dir.
type Locker struct {
	dir string
	now func() time.Time
}

func New(dir string) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Locker{dir: dir, now: time.Now}, nil
}

func (l *Locker) path(pipeline string) string {
	return filepath.Join(l.dir, pipeline+".lock")
}

func (l *Locker) Acquire(ctx context.Context, pipeline string, ttl time.Duration) (func(context.Context) error, error) {
	path := l.path(pipeline)
	info := lockInfo{Token: uuid.NewString(), PID: os.Getpid(), ExpiresAt: l.now().Add(ttl)}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	// One takeover attempt: a second conflict means someone else won.
	for attempt := 0; attempt < 2; attempt++ {
		err = create(path, data)
		if err == nil {
			return l.releaser(path, info.Token), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		held, err := read(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if err == nil && l.now().Before(held.ExpiresAt) {
			return nil, storage.ErrLocked
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return nil, storage.ErrLocked
}

func (l *Locker) releaser(path, token string) func(context.Context) error {
	return func(context.Context) error {
		held, err := read(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if held.Token != token {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}
}

func create(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// read returns the lock content. A partially written file reads as expired.
func read(path string) (lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockInfo{}, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return lockInfo{}, nil
	}
	return info, nil
}
