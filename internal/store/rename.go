package store

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/deehuihan/memelabel/internal/model"
)

// Milestone names a completion point that changes a participant's backing
// filename.
type Milestone string

const (
	// MilestoneReachedSummary marks a participant who finished the game
	// and saw the summary but has not left contact details.
	MilestoneReachedSummary Milestone = "reached-summary"
	// MilestoneEmailSubmitted marks a fully complete participant.
	MilestoneEmailSubmitted Milestone = "email-submitted"
)

// renameMaxAttempts bounds the numeric-disambiguator retry loop on
// filename collisions.
const renameMaxAttempts = 100

// RenameOnMilestone moves a participant's document to a new name encoding
// the crossed milestone, updating the embedded current_filename field.
// The transition is monotonic: a record that already is at or past the
// milestone keeps its current name and the call is a no-op. On failure the
// old name stays in place and is returned along with the error.
func (s *Store) RenameOnMilestone(name string, milestone Milestone) (string, error) {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.readRecord(name)
	if err != nil {
		return name, err
	}

	var target model.CompletionState
	switch milestone {
	case MilestoneReachedSummary:
		target = model.StateNoContact
	case MilestoneEmailSubmitted:
		target = model.StateFullyComplete
	default:
		return name, fmt.Errorf("unknown milestone %q", milestone)
	}

	if rec.State.AtLeast(target) {
		return rec.CurrentFilename, nil
	}

	startSec := rec.StartedAtMS / 1000
	var base string
	switch target {
	case model.StateNoContact:
		base = fmt.Sprintf("%s_%d_no-contact", rec.ParticipantID, startSec)
	case model.StateFullyComplete:
		endSec := s.now().Unix()
		if rec.EndedAtMS != nil {
			endSec = *rec.EndedAtMS / 1000
		}
		base = fmt.Sprintf("%s_%d_%d_fully-complete", rec.ParticipantID, startSec, endSec)
	}

	newName, err := s.availableName(base)
	if err != nil {
		slog.Error("rename milestone failed, keeping old filename",
			"participant", rec.ParticipantID, "milestone", milestone, "error", err)
		return name, err
	}

	oldPath := s.path(rec.CurrentFilename)
	rec.State = target
	rec.CurrentFilename = newName
	if err := s.writeRecord(newName, rec); err != nil {
		return name, fmt.Errorf("persist renamed record: %w", err)
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		// The new file is durable; a leftover old file is only clutter.
		slog.Warn("could not remove old participant file", "path", oldPath, "error", err)
	}

	slog.Info("participant record renamed",
		"participant", rec.ParticipantID, "milestone", milestone,
		"old", name, "new", newName)
	return newName, nil
}

// availableName returns base, or base with a numeric disambiguator when a
// file of that name already exists. Attempts are bounded.
func (s *Store) availableName(base string) (string, error) {
	candidate := base
	for attempt := 0; attempt <= renameMaxAttempts; attempt++ {
		if attempt > 0 {
			candidate = fmt.Sprintf("%s_%02d", base, attempt)
		}
		if _, err := os.Stat(s.path(candidate)); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free filename for %s after %d attempts", base, renameMaxAttempts)
}
