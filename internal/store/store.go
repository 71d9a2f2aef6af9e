// Package store persists study state on the filesystem: one JSON document
// per participant, a shared active-session ledger, and an in-memory
// answer-frequency aggregate for the summary comparison.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deehuihan/memelabel/internal/model"
)

// ErrNotFound is returned when a participant has no backing document.
var ErrNotFound = errors.New("participant record not found")

// Store is the file-backed per-participant record store. Every
// read-modify-write cycle for a participant is serialized by a per-key
// lock, so unrelated participants' updates proceed independently.
type Store struct {
	dataDir string
	policy  model.AttentionPolicy

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	aggregate *Aggregate

	now func() time.Time
}

// New opens (creating if needed) the record directory and primes the
// comparison aggregate from any completed records already on disk.
func New(dataDir string, policy model.AttentionPolicy) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		dataDir:   dataDir,
		policy:    policy,
		locks:     make(map[string]*sync.Mutex),
		aggregate: NewAggregate(),
		now:       time.Now,
	}
	if err := s.aggregate.Prime(s); err != nil {
		return nil, fmt.Errorf("prime aggregate: %w", err)
	}
	return s, nil
}

// CanonicalKey collapses a possibly rename-suffixed participant handle
// onto its stable participant id, so the same participant's lock and
// ledger history do not fragment across completion renames.
func CanonicalKey(name string) string {
	if !strings.Contains(name, "no-contact") && !strings.Contains(name, "fully-complete") {
		return name
	}
	parts := strings.Split(name, "_")
	if len(parts) >= 2 && parts[0] == "user" {
		return parts[0] + "_" + parts[1]
	}
	return name
}

// lockFor returns the mutex guarding a participant's document.
func (s *Store) lockFor(name string) *sync.Mutex {
	key := CanonicalKey(name)
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dataDir, name+".json")
}

// Create writes a fresh record for a newly registered participant.
// It returns false without touching disk when a backing document for the
// id already exists, so a repeated registration is a no-op.
func (s *Store) Create(id string, d model.Demographics) (bool, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(s.path(id)); err == nil {
		slog.Warn("participant record already exists", "participant", id)
		return false, nil
	}

	rec := model.NewParticipantRecord(id, d, s.now())
	if err := s.writeRecord(rec.CurrentFilename, rec); err != nil {
		return false, err
	}
	slog.Info("participant record created", "participant", id)
	return true, nil
}

// Read loads the record stored under the given filename.
func (s *Store) Read(name string) (*model.ParticipantRecord, error) {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()
	return s.readRecord(name)
}

// UpdateData carries the per-event payload for Update.
type UpdateData struct {
	StimulusOrder []string            // game_started
	Label         *model.LabelPayload // image_labeled
	Email         string              // email_submitted
	Participation bool                // email_submitted
}

// Update applies a lifecycle event to a participant's document under the
// participant's lock. A missing document is reported as ErrNotFound and
// nothing is written; callers log and continue.
func (s *Store) Update(name string, event model.Event, data UpdateData) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.readRecord(name)
	if err != nil {
		return err
	}

	if err := s.apply(rec, event, data); err != nil {
		return fmt.Errorf("apply %s: %w", event, err)
	}

	if err := s.writeRecord(name, rec); err != nil {
		return err
	}

	if event == model.EventGameCompleted {
		s.aggregate.AddRecord(rec)
	}
	return nil
}

// ListRecords loads every participant document in the data directory.
// Unreadable files are skipped with a warning rather than failing the scan.
func (s *Store) ListRecords() ([]*model.ParticipantRecord, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var records []*model.ParticipantRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.readRecord(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			slog.Warn("skipping unreadable participant record", "file", e.Name(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// RecordCount returns the number of participant documents on disk.
func (s *Store) RecordCount() (int, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			count++
		}
	}
	return count, nil
}

// Aggregate exposes the comparison aggregate.
func (s *Store) Aggregate() *Aggregate {
	return s.aggregate
}

func (s *Store) readRecord(name string) (*model.ParticipantRecord, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record %s: %w", name, err)
	}
	var rec model.ParticipantRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", name, err)
	}
	return &rec, nil
}

// writeRecord persists a record atomically: marshal to a temp file in the
// same directory, then rename over the live path.
func (s *Store) writeRecord(name string, rec *model.ParticipantRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", name, err)
	}
	return atomicWrite(s.path(name), data)
}

// atomicWrite replaces path with data via a temp file and rename. On
// platforms where rename-over-existing fails, it falls back to a
// remove-then-rename two-step, accepting a narrow inconsistency window.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		// Windows refuses to rename over an existing file.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			os.Remove(tmpName)
			return fmt.Errorf("replace %s: %w", path, err)
		}
		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("rename temp file: %w", err)
		}
	}
	return nil
}
