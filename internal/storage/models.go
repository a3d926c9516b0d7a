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
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// KVModel represents the kv table
type KVModel struct {
	bun.BaseModel `bun:"table:kv"`

	Key       string `bun:"key,pk"`
	Value     []byte `bun:"value,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"` // Unix timestamp
}

// MountModel represents the mounts table
type MountModel struct {
	bun.BaseModel `bun:"table:mounts"`

	ID        int64  `bun:"id,pk,autoincrement"`
	Name      string `bun:"name,notnull,unique"`
	Scheme    string `bun:"scheme,notnull"`
	Root      string `bun:"root,notnull"`
	Match     string `bun:"match,notnull"`
	Transport string `bun:"transport,notnull"`
	ReadOnly  bool   `bun:"read_only,notnull"`
	Visible   bool   `bun:"visible,notnull"`
	Special   bool   `bun:"special,notnull"`
	Alias     string `bun:"alias,notnull"`
	Options   string `bun:"options,notnull"` // JSON object
	CreatedAt int64  `bun:"created_at,notnull"`
}

// MountRecord is a persisted mountpoint definition.
type MountRecord struct {
	Name      string
	Scheme    string
	Root      string
	Match     string
	Transport string
	ReadOnly  bool
	Visible   bool
	Special   bool
	Alias     string
	Options   map[string]any
	CreatedAt time.Time
}

// ToMountRecord converts a MountModel to a MountRecord.
func (m *MountModel) ToMountRecord() (MountRecord, error) {
	rec := MountRecord{
		Name:      m.Name,
		Scheme:    m.Scheme,
		Root:      m.Root,
		Match:     m.Match,
		Transport: m.Transport,
		ReadOnly:  m.ReadOnly,
		Visible:   m.Visible,
		Special:   m.Special,
		Alias:     m.Alias,
		CreatedAt: time.Unix(m.CreatedAt, 0),
	}
	if m.Options != "" {
		if err := json.Unmarshal([]byte(m.Options), &rec.Options); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// MountModelFromRecord converts a MountRecord to a MountModel.
func MountModelFromRecord(r MountRecord) (*MountModel, error) {
	opts := []byte("{}")
	if len(r.Options) > 0 {
		var err error
		if opts, err = json.Marshal(r.Options); err != nil {
			return nil, err
		}
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &MountModel{
		Name:      r.Name,
		Scheme:    r.Scheme,
		Root:      r.Root,
		Match:     r.Match,
		Transport: r.Transport,
		ReadOnly:  r.ReadOnly,
		Visible:   r.Visible,
		Special:   r.Special,
		Alias:     r.Alias,
		Options:   string(opts),
		CreatedAt: created.Unix(),
	}, nil
}
