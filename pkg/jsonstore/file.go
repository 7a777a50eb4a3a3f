// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jsonstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// lockTimeout is the maximum time to wait to acquire the file lock.
	lockTimeout = 1 * time.Second

	// lockRetryInterval is how often to retry acquiring the file lock.
	lockRetryInterval = 100 * time.Millisecond

	filePerms = 0600
	dirPerms  = 0750
)

// MarshalCanonical encodes v as JSON with object keys sorted at every level,
// so that rewritten store files diff deterministically.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through a map: encoding/json sorts map keys on output.
	// UseNumber keeps numeric values byte-identical.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// NewFileLock returns the advisory lock guarding path. The lock lives in a
// sidecar file next to the data file so the rename-based rewrite never
// replaces the inode being locked.
func NewFileLock(path string) *flock.Flock {
	return flock.New(path + ".lock")
}

// WithFileLock runs fn while holding the exclusive advisory lock.
func WithFileLock(ctx context.Context, lock *flock.Flock, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock on %s", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

// ReadLines calls fn for every non-empty line of the file at path. A missing
// file is not an error; the caller starts empty.
func ReadLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path) // #nosec G304 - path is owned by the store
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	// bufio.Reader instead of Scanner: cached submission results can exceed
	// the default Scanner token size.
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			if fnErr := fn(trimmed); fnErr != nil {
				return fnErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
}

// WriteLinesAtomic writes the given lines to path via a temporary file and
// rename, so readers never observe a half-written store.
func WriteLinesAtomic(path string, lines [][]byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	writeErr := func() error {
		defer func() { _ = tmp.Close() }()
		for _, line := range lines {
			if _, err := tmp.Write(line); err != nil {
				return err
			}
			if _, err := tmp.Write([]byte("\n")); err != nil {
				return err
			}
		}
		return tmp.Chmod(filePerms)
	}()
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, writeErr)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
