// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const fileTimestampLayout = "20060102150405"

// maxCollisionSuffix bounds the suffix loop when many files land in the
// same second.
const maxCollisionSuffix = 10000

// writeExchangeFile writes data to a fresh obs_<timestamp>.gdt inside
// dir, appending _1, _2, ... when a name is taken. O_EXCL makes each
// claim atomic across concurrent writers.
func writeExchangeFile(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create exchange directory: %w", err)
	}

	stamp := time.Now().UTC().Format(fileTimestampLayout)
	for n := 0; n < maxCollisionSuffix; n++ {
		name := fmt.Sprintf("obs_%s.gdt", stamp)
		if n > 0 {
			name = fmt.Sprintf("obs_%s_%d.gdt", stamp, n)
		}

		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create exchange file: %w", err)
		}

		_, writeErr := f.Write(data)
		closeErr := f.Close()
		if writeErr != nil {
			return "", fmt.Errorf("failed to write exchange file: %w", writeErr)
		}
		if closeErr != nil {
			return "", fmt.Errorf("failed to close exchange file: %w", closeErr)
		}
		return name, nil
	}
	return "", fmt.Errorf("exhausted exchange file names for timestamp %s", stamp)
}
