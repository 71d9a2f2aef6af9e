package store

import (
	"fmt"
	"log/slog"

	"github.com/deehuihan/memelabel/internal/model"
	"github.com/deehuihan/memelabel/internal/stimulus"
)

// apply dispatches a lifecycle event to its handler. Handlers write the
// event's timestamp if unset, raise lifecycle flags, and fill in any
// duration whose start timestamp is now available.
func (s *Store) apply(rec *model.ParticipantRecord, event model.Event, data UpdateData) error {
	now := s.now().UnixMilli()
	rec.LastUpdatedMS = now

	switch event {
	case model.EventPracticeStarted:
		s.setTimestamp(rec, model.EventPracticeStarted, now)

	case model.EventPracticeCompleted:
		s.completePractice(rec, now)

	case model.EventGameStarted:
		// A participant can land on the game page without the practice
		// completion callback having fired; backfill it.
		if !rec.Lifecycle.PracticeCompleted {
			s.completePractice(rec, now)
		}
		rec.Lifecycle.GameStarted = true
		s.setTimestamp(rec, model.EventGameStarted, now)
		if len(data.StimulusOrder) > 0 && len(rec.StimulusOrder) == 0 {
			rec.StimulusOrder = data.StimulusOrder
		}

	case model.EventImageLabeled:
		if data.Label == nil {
			return fmt.Errorf("image_labeled event without label payload")
		}
		s.appendResponse(rec, *data.Label, now)

	case model.EventGameCompleted:
		s.completeGame(rec, now)

	case model.EventSummaryViewed:
		rec.Lifecycle.SummaryViewed = true
		s.setTimestamp(rec, model.EventSummaryViewed, now)

	case model.EventEmailSubmitted:
		s.submitEmail(rec, data, now)

	default:
		return fmt.Errorf("unknown event %q", event)
	}
	return nil
}

// setTimestamp records an event time exactly once; later occurrences of
// the same event leave the first value in place.
func (s *Store) setTimestamp(rec *model.ParticipantRecord, event model.Event, ms int64) {
	if _, ok := rec.Timestamps[event]; ok {
		return
	}
	rec.Timestamps[event] = ms
}

func (s *Store) completePractice(rec *model.ParticipantRecord, now int64) {
	rec.Lifecycle.PracticeCompleted = true
	s.setTimestamp(rec, model.EventPracticeCompleted, now)
	if start, ok := rec.Timestamps[model.EventPracticeStarted]; ok && rec.Durations.PracticeMS == nil {
		d := now - start
		rec.Durations.PracticeMS = &d
	}
}

func (s *Store) appendResponse(rec *model.ParticipantRecord, p model.LabelPayload, now int64) {
	s.setTimestamp(rec, model.EventFirstLabel, now)
	// last_label deliberately overwrites: it tracks the most recent label.
	rec.Timestamps[model.EventLastLabel] = now

	emotion := model.ParseEmotion(p.Label)
	resp := model.ResponseRecord{
		Stimulus:       p.Stimulus,
		Label:          emotion,
		DisplayLabel:   emotion.DisplayLabel(),
		ResponseTime:   p.ResponseTime,
		ResponseTimeMS: model.ParseResponseTime(p.ResponseTime),
		Normalized:     stimulus.Normalize(p.Stimulus),
		MemeName:       stimulus.MemeName(p.Stimulus),
		PostID:         stimulus.PostID(p.Stimulus),
		RecordedAtMS:   now,
	}
	rec.Responses = append(rec.Responses, resp)
	rec.EmotionTally[emotion]++
}

func (s *Store) completeGame(rec *model.ParticipantRecord, now int64) {
	rec.Lifecycle.GameCompleted = true
	s.setTimestamp(rec, model.EventGameCompleted, now)

	// Recompute the tally from the response log, overriding any
	// incremental drift.
	rec.EmotionTally = rec.TallyFromResponses()

	if rec.AttentionPassed == nil {
		passed := s.evaluateAttention(rec)
		rec.AttentionPassed = &passed
	}

	if start, ok := rec.Timestamps[model.EventGameStarted]; ok && rec.Durations.GameMS == nil {
		d := now - start
		rec.Durations.GameMS = &d
	}
	first, okFirst := rec.Timestamps[model.EventFirstLabel]
	last, okLast := rec.Timestamps[model.EventLastLabel]
	if okFirst && okLast && rec.Durations.LabelingMS == nil {
		d := last - first
		rec.Durations.LabelingMS = &d
	}
}

// evaluateAttention checks every attention-check response against its
// expected label. When the record holds no attention-check responses the
// configured policy decides the verdict.
func (s *Store) evaluateAttention(rec *model.ParticipantRecord) bool {
	checks := 0
	for _, resp := range rec.Responses {
		if !stimulus.IsAttentionCheck(resp.Stimulus) {
			continue
		}
		expected, ok := stimulus.ExpectedEmotion(resp.Stimulus)
		if !ok {
			slog.Warn("attention check with no expected label in filename",
				"participant", rec.ParticipantID, "stimulus", resp.Stimulus)
			continue
		}
		checks++
		if resp.Label != expected {
			slog.Info("attention check failed",
				"participant", rec.ParticipantID, "stimulus", resp.Stimulus,
				"expected", expected, "got", resp.Label)
			return false
		}
	}
	if checks == 0 {
		return s.policy == model.AttentionFailOpen
	}
	return true
}

func (s *Store) submitEmail(rec *model.ParticipantRecord, data UpdateData, now int64) {
	rec.Lifecycle.EmailSubmitted = true
	s.setTimestamp(rec, model.EventEmailSubmitted, now)
	s.setTimestamp(rec, model.EventSessionEnd, now)
	if rec.EndedAtMS == nil {
		end := now
		rec.EndedAtMS = &end
	}

	if reg, ok := rec.Timestamps[model.EventRegistrationCompleted]; ok && rec.Durations.TotalSessionMS == nil {
		d := now - reg
		rec.Durations.TotalSessionMS = &d
	}
	if sv, ok := rec.Timestamps[model.EventSummaryViewed]; ok && rec.Durations.EmailSubmissionMS == nil {
		d := now - sv
		rec.Durations.EmailSubmissionMS = &d
	}

	if rec.Contact == nil {
		rec.Contact = &model.Contact{
			Email:         data.Email,
			Participation: data.Participation,
		}
	}
}
