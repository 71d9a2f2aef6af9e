package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/deehuihan/memelabel/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), model.AttentionFailOpen)
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	return s
}

func createParticipant(t *testing.T, s *Store, id string) {
	t.Helper()
	created, err := s.Create(id, model.Demographics{Age: "25-34", Gender: "male", UserAgent: "test"})
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
	if !created {
		t.Fatalf("Create(%s) reported existing record in fresh store", id)
	}
}

func label(t *testing.T, s *Store, name, stim, lbl string) {
	t.Helper()
	err := s.Update(name, model.EventImageLabeled, UpdateData{
		Label: &model.LabelPayload{Stimulus: stim, Label: lbl, ResponseTime: "0:00:01.500"},
	})
	if err != nil {
		t.Fatalf("label %s as %s: %v", stim, lbl, err)
	}
}

// playGame walks one participant through registration, practice, and the
// game with the given stimulus labels, then completes the game.
func playGame(t *testing.T, s *Store, id string, labels map[string]string) {
	t.Helper()
	createParticipant(t, s, id)
	if err := s.Update(id, model.EventPracticeStarted, UpdateData{}); err != nil {
		t.Fatalf("practice_started: %v", err)
	}
	if err := s.Update(id, model.EventPracticeCompleted, UpdateData{}); err != nil {
		t.Fatalf("practice_completed: %v", err)
	}
	order := make([]string, 0, len(labels))
	for stim := range labels {
		order = append(order, stim)
	}
	if err := s.Update(id, model.EventGameStarted, UpdateData{StimulusOrder: order}); err != nil {
		t.Fatalf("game_started: %v", err)
	}
	for stim, lbl := range labels {
		label(t, s, id, stim, lbl)
	}
	if err := s.Update(id, model.EventGameCompleted, UpdateData{}); err != nil {
		t.Fatalf("game_completed: %v", err)
	}
}

func TestCreateAndRead(t *testing.T) {
	s := newTestStore(t)
	createParticipant(t, s, "user_ab12cd")

	rec, err := s.Read("user_ab12cd")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.ParticipantID != "user_ab12cd" || rec.CurrentFilename != "user_ab12cd" {
		t.Errorf("identity fields wrong: %q / %q", rec.ParticipantID, rec.CurrentFilename)
	}
	if rec.State != model.StateInProgress {
		t.Errorf("State = %q", rec.State)
	}
	if rec.Demographics.Age != "25-34" {
		t.Errorf("Demographics not persisted: %+v", rec.Demographics)
	}
	if len(rec.Responses) != 0 {
		t.Errorf("fresh record has %d responses", len(rec.Responses))
	}
	if rec.Lifecycle != (model.LifecycleFlags{}) {
		t.Errorf("fresh record has raised lifecycle flags: %+v", rec.Lifecycle)
	}
	if _, ok := rec.Timestamps[model.EventRegistrationCompleted]; !ok {
		t.Error("registration timestamp missing")
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	createParticipant(t, s, "user_x")

	// Mutate the record, then attempt a second registration.
	if err := s.Update("user_x", model.EventPracticeStarted, UpdateData{}); err != nil {
		t.Fatal(err)
	}
	created, err := s.Create("user_x", model.Demographics{Age: "different"})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if created {
		t.Fatal("second Create reported a fresh record")
	}

	rec, err := s.Read("user_x")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Demographics.Age != "25-34" {
		t.Errorf("second Create overwrote the record: age %q", rec.Demographics.Age)
	}
	if _, ok := rec.Timestamps[model.EventPracticeStarted]; !ok {
		t.Error("second Create lost the practice timestamp")
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	s := newTestStore(t)
	err := s.Update("user_ghost", model.EventPracticeStarted, UpdateData{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFullGameAttentionPassed(t *testing.T) {
	s := newTestStore(t)
	labels := make(map[string]string, 52)
	for i := 0; i < 50; i++ {
		labels[fmt.Sprintf("meme%02d/meme%02d_%d.png", i, i, i)] = "憤怒"
	}
	labels["attention_check/anger_1.png"] = "憤怒"
	labels["attention_check/disgust_2.png"] = "厭惡"

	playGame(t, s, "user_pass", labels)

	rec, err := s.Read("user_pass")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AttentionPassed == nil || !*rec.AttentionPassed {
		t.Fatalf("AttentionPassed = %v, want true", rec.AttentionPassed)
	}
	if len(rec.Responses) != 52 {
		t.Fatalf("responses = %d, want 52", len(rec.Responses))
	}

	total := 0
	for _, n := range rec.EmotionTally {
		total += n
	}
	if total != len(rec.Responses) {
		t.Errorf("tally total %d != responses %d", total, len(rec.Responses))
	}
	if !rec.Lifecycle.GameCompleted || !rec.Lifecycle.GameStarted || !rec.Lifecycle.PracticeCompleted {
		t.Errorf("lifecycle flags: %+v", rec.Lifecycle)
	}
	if rec.Durations.GameMS == nil || rec.Durations.LabelingMS == nil {
		t.Error("game durations not recorded")
	}
}

func TestAttentionCheckFailure(t *testing.T) {
	s := newTestStore(t)
	labels := map[string]string{
		"memeA/memeA_1.png":             "憤怒",
		"attention_check/anger_1.png":   "憤怒",
		"attention_check/disgust_2.png": "憤怒", // wrong
	}
	playGame(t, s, "user_fail", labels)

	rec, err := s.Read("user_fail")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AttentionPassed == nil || *rec.AttentionPassed {
		t.Fatalf("AttentionPassed = %v, want false", rec.AttentionPassed)
	}
}

func TestAttentionPolicyWithoutChecks(t *testing.T) {
	for _, tt := range []struct {
		policy model.AttentionPolicy
		want   bool
	}{
		{model.AttentionFailOpen, true},
		{model.AttentionFailClosed, false},
	} {
		s, err := New(t.TempDir(), tt.policy)
		if err != nil {
			t.Fatal(err)
		}
		playGame(t, s, "user_nochecks", map[string]string{"memeA/memeA_1.png": "憤怒"})

		rec, err := s.Read("user_nochecks")
		if err != nil {
			t.Fatal(err)
		}
		if rec.AttentionPassed == nil || *rec.AttentionPassed != tt.want {
			t.Errorf("policy %s: AttentionPassed = %v, want %v", tt.policy, rec.AttentionPassed, tt.want)
		}
	}
}

func TestAttentionVerdictIsFinal(t *testing.T) {
	s := newTestStore(t)
	labels := map[string]string{
		"memeA/memeA_1.png":           "憤怒",
		"attention_check/anger_1.png": "憤怒",
	}
	playGame(t, s, "user_final", labels)

	// A failed check after completion must not flip the stored verdict.
	label(t, s, "user_final", "attention_check/disgust_9.png", "憤怒")
	if err := s.Update("user_final", model.EventGameCompleted, UpdateData{}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Read("user_final")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AttentionPassed == nil || !*rec.AttentionPassed {
		t.Fatalf("verdict changed after completion: %v", rec.AttentionPassed)
	}
}

func TestRenameChain(t *testing.T) {
	s := newTestStore(t)
	playGame(t, s, "user_rn", map[string]string{"memeA/memeA_1.png": "憤怒"})

	name, err := s.RenameOnMilestone("user_rn", MilestoneReachedSummary)
	if err != nil {
		t.Fatalf("rename to no-contact: %v", err)
	}
	if !strings.HasPrefix(name, "user_rn_") || !strings.HasSuffix(name, "_no-contact") {
		t.Fatalf("unexpected no-contact name %q", name)
	}
	if _, err := os.Stat(s.path("user_rn")); !os.IsNotExist(err) {
		t.Error("old file still present after rename")
	}

	rec, err := s.Read(name)
	if err != nil {
		t.Fatalf("read renamed record: %v", err)
	}
	if rec.State != model.StateNoContact {
		t.Errorf("State = %q, want %q", rec.State, model.StateNoContact)
	}
	if rec.CurrentFilename != name {
		t.Errorf("CurrentFilename = %q, want %q", rec.CurrentFilename, name)
	}

	// Repeating the milestone is a no-op.
	again, err := s.RenameOnMilestone(name, MilestoneReachedSummary)
	if err != nil {
		t.Fatalf("repeated rename: %v", err)
	}
	if again != name {
		t.Errorf("repeated rename moved the file: %q -> %q", name, again)
	}

	// Email submission upgrades to fully complete.
	err = s.Update(name, model.EventEmailSubmitted, UpdateData{Email: "p@example.com", Participation: true})
	if err != nil {
		t.Fatalf("email_submitted: %v", err)
	}
	final, err := s.RenameOnMilestone(name, MilestoneEmailSubmitted)
	if err != nil {
		t.Fatalf("rename to fully-complete: %v", err)
	}
	if !strings.HasSuffix(final, "_fully-complete") {
		t.Fatalf("unexpected final name %q", final)
	}
	if _, err := os.Stat(s.path(name)); !os.IsNotExist(err) {
		t.Error("no-contact file still present after final rename")
	}

	rec, err = s.Read(final)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != model.StateFullyComplete {
		t.Errorf("State = %q", rec.State)
	}
	if rec.Contact == nil || rec.Contact.Email != "p@example.com" || !rec.Contact.Participation {
		t.Errorf("contact not persisted: %+v", rec.Contact)
	}
	if rec.EndedAtMS == nil {
		t.Error("EndedAtMS not set")
	}
	if rec.Durations.TotalSessionMS == nil {
		t.Error("total session duration not set")
	}

	// The milestone chain never runs backwards.
	down, err := s.RenameOnMilestone(final, MilestoneReachedSummary)
	if err != nil {
		t.Fatalf("downgrade attempt: %v", err)
	}
	if down != final {
		t.Errorf("downgrade renamed the file: %q", down)
	}
}

func TestRenameCollisionSuffix(t *testing.T) {
	s := newTestStore(t)
	playGame(t, s, "user_cl", map[string]string{"memeA/memeA_1.png": "憤怒"})

	rec, err := s.Read("user_cl")
	if err != nil {
		t.Fatal(err)
	}
	// Occupy the name the rename would pick.
	taken := fmt.Sprintf("user_cl_%d_no-contact", rec.StartedAtMS/1000)
	if err := os.WriteFile(s.path(taken), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	name, err := s.RenameOnMilestone("user_cl", MilestoneReachedSummary)
	if err != nil {
		t.Fatalf("rename with collision: %v", err)
	}
	if name != taken+"_01" {
		t.Errorf("collision name = %q, want %q", name, taken+"_01")
	}
}

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"user_ab12cd", "user_ab12cd"},
		{"user_ab12cd_1700000000_no-contact", "user_ab12cd"},
		{"user_ab12cd_1700000000_1700001000_fully-complete", "user_ab12cd"},
		{"user_ab12cd_1700000000_no-contact_02", "user_ab12cd"},
		{"someoneelse", "someoneelse"},
	}
	for _, tt := range tests {
		if got := CanonicalKey(tt.in); got != tt.want {
			t.Errorf("CanonicalKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConcurrentLabelsAcrossParticipants(t *testing.T) {
	s := newTestStore(t)
	const participants = 8
	const labelsEach = 20

	for p := 0; p < participants; p++ {
		createParticipant(t, s, fmt.Sprintf("user_c%d", p))
	}

	var wg sync.WaitGroup
	for p := 0; p < participants; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			name := fmt.Sprintf("user_c%d", p)
			for i := 0; i < labelsEach; i++ {
				err := s.Update(name, model.EventImageLabeled, UpdateData{
					Label: &model.LabelPayload{
						Stimulus:     fmt.Sprintf("meme%02d/meme%02d_%d.png", i, i, p),
						Label:        "厭惡",
						ResponseTime: "0:00:00.800",
					},
				})
				if err != nil {
					t.Errorf("participant %d label %d: %v", p, i, err)
				}
			}
		}(p)
	}
	wg.Wait()

	for p := 0; p < participants; p++ {
		rec, err := s.Read(fmt.Sprintf("user_c%d", p))
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.Responses) != labelsEach {
			t.Errorf("participant %d has %d responses, want %d", p, len(rec.Responses), labelsEach)
		}
		if rec.EmotionTally[model.EmotionDisgust] != labelsEach {
			t.Errorf("participant %d tally %d, want %d", p, rec.EmotionTally[model.EmotionDisgust], labelsEach)
		}
	}
}

func TestTimestampOrdering(t *testing.T) {
	s := newTestStore(t)
	playGame(t, s, "user_ts", map[string]string{"memeA/memeA_1.png": "憤怒"})
	if err := s.Update("user_ts", model.EventSummaryViewed, UpdateData{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Update("user_ts", model.EventEmailSubmitted, UpdateData{Email: "a@b.c"}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Read("user_ts")
	if err != nil {
		t.Fatal(err)
	}
	prev := int64(0)
	for _, event := range model.StageOrder {
		ts, ok := rec.Timestamps[event]
		if !ok {
			continue
		}
		if ts < prev {
			t.Errorf("timestamp for %s (%d) precedes an earlier stage (%d)", event, ts, prev)
		}
		prev = ts
	}
}

func TestResponseTimeParsing(t *testing.T) {
	s := newTestStore(t)
	createParticipant(t, s, "user_rt")
	label(t, s, "user_rt", "memeA/memeA_1.png", "憤怒")

	rec, err := s.Read("user_rt")
	if err != nil {
		t.Fatal(err)
	}
	resp := rec.Responses[0]
	if resp.ResponseTimeMS != 1500 {
		t.Errorf("ResponseTimeMS = %d, want 1500", resp.ResponseTimeMS)
	}
	if resp.Normalized != "memeA/memeA" {
		t.Errorf("Normalized = %q", resp.Normalized)
	}
	if resp.PostID == nil || *resp.PostID != 1 {
		t.Errorf("PostID = %v, want 1", resp.PostID)
	}
	if resp.DisplayLabel != "憤怒" || resp.Label != model.EmotionAnger {
		t.Errorf("label mapping wrong: %q / %q", resp.Label, resp.DisplayLabel)
	}
}
