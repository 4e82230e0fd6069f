// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metadb stores the bus-wide metadata file: the known topics
// and the on-disk format version.
package metadb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileName is the metadata file at the root of the data directory.
const FileName = "bus.meta.json"

// FormatVersion is the on-disk layout version this code writes and
// accepts.
const FormatVersion = 1

// State is the persisted bus metadata.
type State struct {
	FormatVersion int      `json:"format_version"`
	Topics        []string `json:"topics"`
}

// Store loads and commits the metadata file with atomic
// write-then-rename so a crash never leaves a torn meta file.
type Store struct {
	dir  string
	path string
}

// Open ensures dir exists and returns a store over its meta file.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &Store{dir: dir, path: filepath.Join(dir, FileName)}, nil
}

// Load reads the committed state. A missing file is an empty bus.
func (s *Store) Load() (State, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{FormatVersion: FormatVersion}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading %s: %w", FileName, err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if st.FormatVersion != FormatVersion {
		return State{}, fmt.Errorf("unsupported format version %d in %s", st.FormatVersion, FileName)
	}
	return st, nil
}

// Commit durably replaces the state: write a temp file, fsync it,
// rename over the old one, fsync the directory.
func (s *Store) Commit(st State) error {
	st.FormatVersion = FormatVersion
	sort.Strings(st.Topics)

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("committing %s: %w", FileName, err)
	}
	d, err := os.Open(s.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing data dir: %w", err)
	}
	return nil
}
