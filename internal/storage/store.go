// Copyright 2024 DeskVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
)

// Store is the SQLite-backed durable state of a deskvfs process: the
// key-value table behind local transports and the persisted mounts.
type Store struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
}

// Open opens the store at path, creating it (and its directory) when missing.
func Open(path string) (*Store, error) {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)
	if fresh {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Must be explicit, libsql ignores DSN-based _pragma=value parameters.
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := execStatements(db, storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initStore, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	s := &Store{path: path, db: db, bunDB: NewBunDB(db)}

	fileType, err := s.bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "deskvfs" {
		db.Close()
		return nil, fmt.Errorf("not a deskvfs store (type=%s)", fileType)
	}

	log.WithFields(log.Fields{"path": path, "created": fresh}).Debug("store: opened")
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Get implements KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.bunDB.GetValue(ctx, key)
}

// Set implements KV.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.bunDB.SetValue(ctx, key, value)
}

// Delete implements KV.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bunDB.DeleteValue(ctx, key)
}

// Keys lists keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.bunDB.ListKeys(ctx, prefix)
}

// SaveMount persists a mount definition, replacing one with the same name.
func (s *Store) SaveMount(ctx context.Context, rec MountRecord) error {
	model, err := MountModelFromRecord(rec)
	if err != nil {
		return fmt.Errorf("encode mount %s: %w", rec.Name, err)
	}
	return s.bunDB.UpsertMount(ctx, model)
}

// DeleteMount removes a persisted mount. It reports whether one existed.
func (s *Store) DeleteMount(ctx context.Context, name string) (bool, error) {
	n, err := s.bunDB.DeleteMount(ctx, name)
	return n > 0, err
}

// ListMounts returns persisted mounts in the order they were first saved.
func (s *Store) ListMounts(ctx context.Context) ([]MountRecord, error) {
	models, err := s.bunDB.ListMounts(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]MountRecord, 0, len(models))
	for i := range models {
		rec, err := models[i].ToMountRecord()
		if err != nil {
			log.WithError(err).WithField("mount", models[i].Name).Warn("store: skipping undecodable mount")
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
