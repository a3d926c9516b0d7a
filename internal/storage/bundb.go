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
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"deskvfs/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	return &BunDB{DB: bun.NewDB(sqlDB, sqlitedialect.New())}
}

// GetSchemaInfo retrieves a schema_info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().Model(&info).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return info.Value, err
}

// --- Key-value operations ---

// GetValue returns the value for key; ok is false when the key is absent.
func (db *BunDB) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	var kv KVModel
	err := db.NewSelect().Model(&kv).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return kv.Value, true, nil
}

// SetValue upserts key. Retries transient "database is locked" errors.
func (db *BunDB) SetValue(ctx context.Context, key string, value []byte) error {
	return util.Retry(ctx, func() error {
		_, err := db.NewInsert().
			Model(&KVModel{Key: key, Value: value, UpdatedAt: time.Now().Unix()}).
			On("CONFLICT (key) DO UPDATE").
			Set("value = EXCLUDED.value").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// DeleteValue removes key.
func (db *BunDB) DeleteValue(ctx context.Context, key string) error {
	_, err := db.NewDelete().Model((*KVModel)(nil)).Where("key = ?", key).Exec(ctx)
	return err
}

// ListKeys returns keys starting with prefix, sorted.
func (db *BunDB) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := db.NewSelect().
		Model((*KVModel)(nil)).
		Column("key").
		Where("substr(key, 1, ?) = ?", len(prefix), prefix).
		Order("key ASC").
		Scan(ctx, &keys)
	return keys, err
}

// --- Mount operations ---

// UpsertMount inserts or replaces a mount by name. The row id, and with it
// the restore order, is kept on replace.
func (db *BunDB) UpsertMount(ctx context.Context, m *MountModel) error {
	return util.Retry(ctx, func() error {
		_, err := db.NewInsert().
			Model(m).
			On("CONFLICT (name) DO UPDATE").
			Set("scheme = EXCLUDED.scheme").
			Set("root = EXCLUDED.root").
			Set("match = EXCLUDED.match").
			Set("transport = EXCLUDED.transport").
			Set("read_only = EXCLUDED.read_only").
			Set("visible = EXCLUDED.visible").
			Set("special = EXCLUDED.special").
			Set("alias = EXCLUDED.alias").
			Set("options = EXCLUDED.options").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// DeleteMount deletes a mount by name and returns the number of rows removed.
func (db *BunDB) DeleteMount(ctx context.Context, name string) (int64, error) {
	res, err := db.NewDelete().Model((*MountModel)(nil)).Where("name = ?", name).Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMounts returns all mounts in insertion order.
func (db *BunDB) ListMounts(ctx context.Context) ([]MountModel, error) {
	var models []MountModel
	err := db.NewSelect().Model(&models).Order("id ASC").Scan(ctx)
	return models, err
}
