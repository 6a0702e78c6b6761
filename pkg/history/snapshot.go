// Copyright 2025 Tom Barlow
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

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/pipectl/pkg/errors"
)

// SnapshotRecord is a named, persisted pipeline state.
type SnapshotRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	AutoCreated bool            `json:"auto_created"`
	StepID      string          `json:"step_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	State       json.RawMessage `json:"state,omitempty"`
}

// SnapshotStore reads and writes snapshot records for one namespace,
// typically a session id.
type SnapshotStore struct {
	kv      KVStore
	prefix  string
	maxAuto int
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// NewSnapshotStore creates a store that keeps records for namespace in kv.
func NewSnapshotStore(kv KVStore, namespace string) *SnapshotStore {
	return &SnapshotStore{
		kv:     kv,
		prefix: "snapshots/" + namespace + "/",
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
}

// WithMaxAutoSnapshots limits the number of auto-created records kept.
// Older ones are deleted by AutoSnapshot. Zero keeps all of them.
func (s *SnapshotStore) WithMaxAutoSnapshots(n int) *SnapshotStore {
	s.maxAuto = n
	return s
}

// WithClock replaces the time source used for CreatedAt.
func (s *SnapshotStore) WithClock(now func() time.Time) *SnapshotStore {
	if now != nil {
		s.now = now
	}
	return s
}

// WithIDGenerator sets the function used for record ids.
func (s *SnapshotStore) WithIDGenerator(fn func() string) *SnapshotStore {
	if fn != nil {
		s.newID = fn
	}
	return s
}

// WithLogger sets the logger.
func (s *SnapshotStore) WithLogger(logger *slog.Logger) *SnapshotStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *SnapshotStore) key(id string) string {
	return s.prefix + id
}

// Save stores rec, assigning an id and creation time when they are empty,
// and returns the stored record.
func (s *SnapshotStore) Save(ctx context.Context, rec SnapshotRecord) (*SnapshotRecord, error) {
	rec.Name = strings.TrimSpace(rec.Name)
	if rec.Name == "" {
		return nil, &errors.ValidationError{
			Field:      "name",
			Message:    "snapshot name is required",
			Suggestion: "give the snapshot a short descriptive name",
		}
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if strings.Contains(rec.ID, "/") {
		return nil, &errors.ValidationError{Field: "id", Message: fmt.Sprintf("invalid snapshot id %q", rec.ID)}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encoding snapshot")
	}
	if err := s.kv.Set(ctx, s.key(rec.ID), data); err != nil {
		return nil, errors.Wrapf(err, "saving snapshot %s", rec.ID)
	}

	s.logger.Debug("snapshot saved", "snapshot_id", rec.ID, "auto_created", rec.AutoCreated)
	return &rec, nil
}

// Get returns the record with the given id, or a NotFoundError.
func (s *SnapshotStore) Get(ctx context.Context, id string) (*SnapshotRecord, error) {
	data, err := s.kv.Get(ctx, s.key(id))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, &errors.NotFoundError{Resource: "snapshot", ID: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading snapshot %s", id)
	}

	var rec SnapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding snapshot %s", id)
	}
	return &rec, nil
}

// List returns all records, newest first. Records that fail to decode are
// skipped and logged.
func (s *SnapshotStore) List(ctx context.Context) ([]SnapshotRecord, error) {
	keys, err := s.kv.Keys(ctx, s.prefix)
	if err != nil {
		return nil, errors.Wrap(err, "listing snapshots")
	}

	records := make([]SnapshotRecord, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, s.prefix)
		rec, err := s.Get(ctx, id)
		if err != nil {
			var nf *errors.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			s.logger.Warn("skipping unreadable snapshot", "snapshot_id", id, "error", err)
			continue
		}
		records = append(records, *rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
	return records, nil
}

// Delete removes the record with the given id, or returns a NotFoundError.
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	if _, err := s.kv.Get(ctx, s.key(id)); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return &errors.NotFoundError{Resource: "snapshot", ID: id}
		}
		return errors.Wrapf(err, "loading snapshot %s", id)
	}
	if err := s.kv.Delete(ctx, s.key(id)); err != nil {
		return errors.Wrapf(err, "deleting snapshot %s", id)
	}
	return nil
}

// AutoSnapshot saves an auto-created record for a finished step and prunes
// old auto-created records past the configured limit.
func (s *SnapshotStore) AutoSnapshot(ctx context.Context, stepID, stepName string, state json.RawMessage) (*SnapshotRecord, error) {
	rec, err := s.Save(ctx, SnapshotRecord{
		Name:        "After " + stepName,
		Description: fmt.Sprintf("Automatic snapshot after step %q", stepName),
		Tags:        []string{"auto"},
		AutoCreated: true,
		StepID:      stepID,
		State:       state,
	})
	if err != nil {
		return nil, err
	}

	if s.maxAuto > 0 {
		if err := s.pruneAuto(ctx); err != nil {
			s.logger.Warn("pruning auto snapshots failed", "error", err)
		}
	}
	return rec, nil
}

func (s *SnapshotStore) pruneAuto(ctx context.Context) error {
	records, err := s.List(ctx)
	if err != nil {
		return err
	}
	kept := 0
	for _, rec := range records {
		if !rec.AutoCreated {
			continue
		}
		kept++
		if kept <= s.maxAuto {
			continue
		}
		if err := s.kv.Delete(ctx, s.key(rec.ID)); err != nil {
			return errors.Wrapf(err, "deleting snapshot %s", rec.ID)
		}
	}
	return nil
}
