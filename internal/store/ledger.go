package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// ledgerActionCap bounds the per-key action history; once exceeded
	// the history is trimmed to the newest ledgerActionKeep entries.
	ledgerActionCap  = 50
	ledgerActionKeep = 25

	// actionImageLabeled is collapsed to actionFirstImageLabeled on its
	// first occurrence and dropped afterwards.
	actionImageLabeled      = "image_labeled"
	actionFirstImageLabeled = "first_image_labeled"
)

// LedgerAction is one recorded action in a participant's ledger history.
type LedgerAction struct {
	Action string `json:"action"`
	AtMS   int64  `json:"at_ms"`
	Seq    int    `json:"seq"`
}

// LedgerEntry is the bounded recent-activity history for one participant.
type LedgerEntry struct {
	FirstSeenMS int64          `json:"first_seen_ms"`
	LastSeenMS  int64          `json:"last_seen_ms"`
	Actions     []LedgerAction `json:"actions"`
}

// Ledger is the shared active-session document: purely observational
// liveness data, never consulted for correctness. Every call re-reads,
// mutates, and rewrites the whole document under one mutex, which is
// acceptable only at this study's scale.
type Ledger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewLedger creates a ledger backed by the given JSON file. The file is
// created lazily on the first recorded action.
func NewLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{path: path, now: time.Now}, nil
}

// RecordAction appends an action to the key's history. Keys differing only
// by completion suffix collapse onto the participant id, and repeated
// image_labeled actions after the first are dropped.
func (l *Ledger) RecordAction(key, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sessions, err := l.load()
	if err != nil {
		return err
	}

	canonical := CanonicalKey(key)
	nowMS := l.now().UnixMilli()

	entry, ok := sessions[canonical]
	if !ok {
		entry = &LedgerEntry{FirstSeenMS: nowMS}
		sessions[canonical] = entry
	}

	if action == actionImageLabeled {
		for _, a := range entry.Actions {
			if a.Action == actionFirstImageLabeled {
				return nil
			}
		}
		action = actionFirstImageLabeled
	}

	entry.LastSeenMS = nowMS
	entry.Actions = append(entry.Actions, LedgerAction{
		Action: action,
		AtMS:   nowMS,
		Seq:    len(entry.Actions) + 1,
	})
	if len(entry.Actions) > ledgerActionCap {
		entry.Actions = entry.Actions[len(entry.Actions)-ledgerActionKeep:]
	}

	return l.save(sessions)
}

// Merge folds the history recorded under a pre-registration key into the
// registered participant's key, keeping the earliest first-seen time and
// renumbering the combined action sequence.
func (l *Ledger) Merge(oldKey, newKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sessions, err := l.load()
	if err != nil {
		return err
	}

	oldEntry, ok := sessions[CanonicalKey(oldKey)]
	if !ok {
		return nil
	}
	canonical := CanonicalKey(newKey)

	if existing, ok := sessions[canonical]; ok {
		combined := append(append([]LedgerAction{}, oldEntry.Actions...), existing.Actions...)
		for i := range combined {
			combined[i].Seq = i + 1
		}
		existing.Actions = combined
		if oldEntry.FirstSeenMS < existing.FirstSeenMS {
			existing.FirstSeenMS = oldEntry.FirstSeenMS
		}
	} else {
		sessions[canonical] = oldEntry
	}
	delete(sessions, CanonicalKey(oldKey))

	return l.save(sessions)
}

// Sweep drops entries that have been idle longer than maxIdle and reports
// how many were removed.
func (l *Ledger) Sweep(maxIdle time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sessions, err := l.load()
	if err != nil {
		return 0, err
	}

	cutoff := l.now().Add(-maxIdle).UnixMilli()
	removed := 0
	for key, entry := range sessions {
		if entry.LastSeenMS < cutoff {
			delete(sessions, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, l.save(sessions)
}

// Size returns the number of tracked keys.
func (l *Ledger) Size() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sessions, err := l.load()
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// Entries returns a copy of the whole ledger for monitoring views.
func (l *Ledger) Entries() (map[string]LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sessions, err := l.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]LedgerEntry, len(sessions))
	for k, v := range sessions {
		out[k] = *v
	}
	return out, nil
}

func (l *Ledger) load() (map[string]*LedgerEntry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*LedgerEntry), nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	sessions := make(map[string]*LedgerEntry)
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	return sessions, nil
}

func (l *Ledger) save(sessions map[string]*LedgerEntry) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	return atomicWrite(l.path, data)
}
