package store

import (
	"math"
	"sort"
	"sync"

	"github.com/deehuihan/memelabel/internal/model"
	"github.com/deehuihan/memelabel/internal/stimulus"
)

// FrequencyTable maps a normalized stimulus id to every completed
// participant's chosen label for it.
type FrequencyTable map[string][]model.Emotion

// BuildFrequencyTable scans all other participants' records and collects,
// per normalized stimulus, the labels chosen by everyone who completed the
// game. This is the full O(participants x responses) scan; the summary
// path normally reads the incremental aggregate instead.
func (s *Store) BuildFrequencyTable(excludeParticipant string) (FrequencyTable, error) {
	records, err := s.ListRecords()
	if err != nil {
		return nil, err
	}

	table := make(FrequencyTable)
	for _, rec := range records {
		if rec.ParticipantID == excludeParticipant || !rec.Lifecycle.GameCompleted {
			continue
		}
		for _, resp := range rec.Responses {
			if stimulus.IsAttentionCheck(resp.Stimulus) {
				continue
			}
			table[resp.Normalized] = append(table[resp.Normalized], resp.Label)
		}
	}
	return table, nil
}

// Aggregate keeps per-stimulus label counts across all completed
// participants, updated once per game completion so the summary view is a
// lookup instead of a directory scan.
type Aggregate struct {
	mu       sync.RWMutex
	counts   map[string]map[model.Emotion]int
	recorded map[string]bool // participant ids already folded in
}

// NewAggregate returns an empty aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{
		counts:   make(map[string]map[model.Emotion]int),
		recorded: make(map[string]bool),
	}
}

// Prime folds every completed record already on disk into the aggregate.
func (a *Aggregate) Prime(s *Store) error {
	records, err := s.ListRecords()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Lifecycle.GameCompleted {
			a.AddRecord(rec)
		}
	}
	return nil
}

// AddRecord folds one completed participant's responses into the counts.
// A participant is only ever counted once.
func (a *Aggregate) AddRecord(rec *model.ParticipantRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recorded[rec.ParticipantID] {
		return
	}
	a.recorded[rec.ParticipantID] = true
	for _, resp := range rec.Responses {
		if stimulus.IsAttentionCheck(resp.Stimulus) {
			continue
		}
		m, ok := a.counts[resp.Normalized]
		if !ok {
			m = make(map[model.Emotion]int, len(model.Emotions))
			a.counts[resp.Normalized] = m
		}
		m[resp.Label]++
	}
}

// Participants returns how many participants have been folded in.
func (a *Aggregate) Participants() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.recorded)
}

// Compare returns, for one stimulus, the percentage of OTHER participants
// who chose each label, and how many others answered it. own is the
// current participant's choice; their single contribution is subtracted
// when they are already folded in. When nobody else answered the
// stimulus, the participant's own choice is reported as 100%.
func (a *Aggregate) Compare(normalized string, own model.Emotion, ownerID string) (model.EmotionPercentages, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	pct := make(model.EmotionPercentages, len(model.Emotions))
	counts := make(map[model.Emotion]int, len(model.Emotions))
	total := 0
	for _, e := range model.Emotions {
		counts[e] = a.counts[normalized][e]
		total += counts[e]
	}
	if a.recorded[ownerID] {
		if counts[own] > 0 {
			counts[own]--
			total--
		}
	}

	if total == 0 {
		for _, e := range model.Emotions {
			if e == own {
				pct[e] = 100
			} else {
				pct[e] = 0
			}
		}
		return pct, 0
	}

	for _, e := range model.Emotions {
		pct[e] = round2(float64(counts[e]) / float64(total) * 100)
	}
	return pct, total
}

// Match relates one of the participant's answers to everyone else's.
type Match struct {
	Stimulus        string                   `json:"stimulus"`
	Normalized      string                   `json:"normalized"`
	Choice          model.Emotion            `json:"choice"`
	ChoiceDisplay   string                   `json:"choice_display"`
	Percentages     model.EmotionPercentages `json:"percentages"`
	ComparisonCount int                      `json:"comparison_count"`
	DisplayOrder    int                      `json:"display_order"`
}

// SummaryResult is everything the summary page shows a participant.
type SummaryResult struct {
	Matches         []Match                  `json:"matches"`
	UserPercentages model.EmotionPercentages `json:"user_percentages"`
	UniquenessScore float64                  `json:"uniqueness_score"`
	Pattern         string                   `json:"pattern"`
	AttentionPassed bool                     `json:"attention_passed"`
}

// Response-pattern buckets derived from the average agreement between the
// participant's choices and everyone else's.
const (
	PatternHighAgreement   = "high_agreement"
	PatternMediumAgreement = "medium_agreement"
	PatternLowAgreement    = "low_agreement"
	PatternNoData          = "no_data"
)

// Summarize builds the comparison summary for a completed participant,
// ordering matches by the order the participant actually saw the stimuli.
func (s *Store) Summarize(rec *model.ParticipantRecord) SummaryResult {
	order := make(map[string]int)
	idx := 0
	for _, stim := range rec.StimulusOrder {
		if stimulus.IsAttentionCheck(stim) {
			continue
		}
		order[stim] = idx
		idx++
	}

	var matches []Match
	tally := make(map[model.Emotion]int, len(model.Emotions))
	n := 0
	for _, resp := range rec.Responses {
		if stimulus.IsAttentionCheck(resp.Stimulus) {
			continue
		}
		tally[resp.Label]++
		n++

		pct, count := s.aggregate.Compare(resp.Normalized, resp.Label, rec.ParticipantID)
		displayOrder, ok := order[resp.Stimulus]
		if !ok {
			displayOrder = len(rec.StimulusOrder) + len(matches)
		}
		matches = append(matches, Match{
			Stimulus:        resp.Stimulus,
			Normalized:      resp.Normalized,
			Choice:          resp.Label,
			ChoiceDisplay:   resp.DisplayLabel,
			Percentages:     pct,
			ComparisonCount: count,
			DisplayOrder:    displayOrder,
		})
	}
	sortMatches(matches)

	userPct := make(model.EmotionPercentages, len(model.Emotions))
	for _, e := range model.Emotions {
		if n > 0 {
			userPct[e] = round2(float64(tally[e]) / float64(n) * 100)
		} else {
			userPct[e] = 0
		}
	}

	res := SummaryResult{
		Matches:         matches,
		UserPercentages: userPct,
		UniquenessScore: UniquenessScore(matches),
		Pattern:         ResponsePattern(matches),
	}
	if rec.AttentionPassed != nil {
		res.AttentionPassed = *rec.AttentionPassed
	}
	return res
}

// UniquenessScore measures how often the participant disagreed with the
// majority: 0 means always with the crowd, 100 means never.
func UniquenessScore(matches []Match) float64 {
	if len(matches) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range matches {
		sum += 1 - m.Percentages[m.Choice]/100
	}
	return round2(sum / float64(len(matches)) * 100)
}

// ResponsePattern buckets the participant's average agreement with other
// participants' choices.
func ResponsePattern(matches []Match) string {
	if len(matches) == 0 {
		return PatternNoData
	}
	total := 0.0
	for _, m := range matches {
		total += m.Percentages[m.Choice]
	}
	switch avg := total / float64(len(matches)); {
	case avg >= 50:
		return PatternHighAgreement
	case avg >= 20:
		return PatternMediumAgreement
	default:
		return PatternLowAgreement
	}
}

func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].DisplayOrder < matches[j].DisplayOrder
	})
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
