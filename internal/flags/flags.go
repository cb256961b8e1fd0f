// Package flags implements the Flags Store (C10): versioned runtime
// configuration with atomic updates, snapshot/restore, and an audit trail.
//
// Design rules (from spec §4.10):
//   - Get/Set/GetAll/Snapshot/Restore; every write produces an AuditEntry
//     and publishes a FlagsChanged event on the bus.
//   - Snapshot appends to an ordered, append-only log — prior snapshots
//     are never deleted.
//   - Single-writer via a mutex; readers see a cached, atomically swapped
//     map (§5 "Flags Store: single-writer ... readers via cached snapshot
//     refreshed on FlagsChanged").
//
// Only this slice of configuration is hot-reloadable; the env-var config
// in internal/config stays immutable for the process lifetime. The
// on-disk format is YAML (gopkg.in/yaml.v3): the live flag set plus the
// ordered snapshot log in one file, swapped atomically on write.
package flags

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/levibot/core/internal/domain"
)

// AuditSink receives a record for every Set/Restore (§4.10 "All writes
// produce AuditEntry").
type AuditSink interface {
	Record(entry domain.AuditEntry)
}

// Publisher is satisfied by bus.Bus; Store publishes FlagsChanged on it.
type Publisher interface {
	Publish(topic string, payload any)
}

// TopicFlagsChanged is the Event Bus topic Set/Restore publish to.
const TopicFlagsChanged = "flags.changed"

// FlagsChanged is the payload published after any mutation.
type FlagsChanged struct {
	Key    string // empty for a bulk Restore
	Actor  string
	Reason string
}

// snapshotRecord is one entry in the append-only snapshot log, persisted
// alongside the live flags file.
type snapshotRecord struct {
	ID      string         `yaml:"id"`
	TakenAt time.Time      `yaml:"taken_at"`
	Reason  string         `yaml:"reason"`
	Content map[string]any `yaml:"content"`
}

// fileFormat is the on-disk shape of the flags file.
type fileFormat struct {
	Flags     map[string]any   `yaml:"flags"`
	Snapshots []snapshotRecord `yaml:"snapshots"`
}

// Store is the Flags Store (C10) singleton.
type Store struct {
	path  string
	audit AuditSink
	bus   Publisher

	mu        sync.Mutex // serializes writers
	snapshots []snapshotRecord

	cached atomic.Pointer[map[string]any] // lock-free read path
}

// New loads path (creating it empty if absent) and returns a ready Store.
func New(path string, audit AuditSink, bus Publisher) (*Store, error) {
	s := &Store{path: path, audit: audit, bus: bus}

	ff, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("flags: loading %s: %w", path, err)
	}
	s.snapshots = ff.Snapshots
	flags := ff.Flags
	if flags == nil {
		flags = map[string]any{}
	}
	s.cached.Store(&flags)

	return s, nil
}

func loadFile(path string) (fileFormat, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fileFormat{Flags: map[string]any{}}, nil
	}
	if err != nil {
		return fileFormat{}, err
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return fileFormat{}, fmt.Errorf("parsing flags file: %w", err)
	}
	if ff.Flags == nil {
		ff.Flags = map[string]any{}
	}
	return ff, nil
}

// Get returns key's current value, or def if unset.
func (s *Store) Get(key string, def any) any {
	flags := *s.cached.Load()
	if v, ok := flags[key]; ok {
		return v
	}
	return def
}

// GetAll returns a copy of every flag.
func (s *Store) GetAll() map[string]any {
	flags := *s.cached.Load()
	out := make(map[string]any, len(flags))
	for k, v := range flags {
		out[k] = v
	}
	return out
}

// Set writes key=value, persists, audits, and publishes FlagsChanged
// (§4.10).
func (s *Store) Set(key string, value any, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags := s.GetAll()
	before := flags[key]
	flags[key] = value
	s.cached.Store(&flags)

	if err := s.persistLocked(); err != nil {
		return err
	}

	s.audit.Record(domain.AuditEntry{
		TS: time.Now(), Actor: actor, Action: "flags_set",
		Before: map[string]any{key: before}, After: map[string]any{key: value},
		TraceID: uuid.NewString(),
	})
	if s.bus != nil {
		s.bus.Publish(TopicFlagsChanged, FlagsChanged{Key: key, Actor: actor})
	}
	return nil
}

// Snapshot appends the current flag set to the ordered snapshot log under
// reason, returning the new SnapshotID (§4.10).
func (s *Store) Snapshot(reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	rec := snapshotRecord{ID: id, TakenAt: time.Now(), Reason: reason, Content: s.GetAll()}
	s.snapshots = append(s.snapshots, rec)

	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return id, nil
}

// Restore replaces the live flags with snapshotID's content, appends an
// AuditEntry, and publishes FlagsChanged. The snapshot log itself is never
// truncated (§4.10).
func (s *Store) Restore(snapshotID, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *snapshotRecord
	for i := range s.snapshots {
		if s.snapshots[i].ID == snapshotID {
			target = &s.snapshots[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("flags: no snapshot %s", snapshotID)
	}

	before := s.GetAll()
	restored := make(map[string]any, len(target.Content))
	for k, v := range target.Content {
		restored[k] = v
	}
	s.cached.Store(&restored)

	if err := s.persistLocked(); err != nil {
		return err
	}

	s.audit.Record(domain.AuditEntry{
		TS: time.Now(), Actor: actor, Action: "flags_restore",
		Before: before, After: restored, TraceID: uuid.NewString(),
	})
	if s.bus != nil {
		s.bus.Publish(TopicFlagsChanged, FlagsChanged{Actor: actor, Reason: "restore:" + snapshotID})
	}
	return nil
}

// Snapshots returns a copy of the append-only snapshot log, most recent
// last.
func (s *Store) Snapshots() []domain.FlagsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.FlagsSnapshot, 0, len(s.snapshots))
	for _, rec := range s.snapshots {
		out = append(out, domain.FlagsSnapshot{TakenAt: rec.TakenAt, Content: rec.Content, Reason: rec.Reason})
	}
	return out
}

// persistLocked writes the current flags + snapshot log to disk. Caller
// holds mu.
func (s *Store) persistLocked() error {
	ff := fileFormat{Flags: s.GetAll(), Snapshots: s.snapshots}
	data, err := yaml.Marshal(ff)
	if err != nil {
		return fmt.Errorf("flags: marshaling: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("flags: writing temp file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
