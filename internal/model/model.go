package model

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Emotion is a canonical label category a participant can assign to a stimulus.
type Emotion string

const (
	EmotionAnger    Emotion = "anger"
	EmotionContempt Emotion = "contempt"
	EmotionDisgust  Emotion = "disgust"
	EmotionOthers   Emotion = "others"
)

// Emotions lists the label categories in display order.
var Emotions = []Emotion{EmotionContempt, EmotionAnger, EmotionDisgust, EmotionOthers}

// displayLabels maps the Traditional Chinese UI labels to canonical emotions.
var displayLabels = map[string]Emotion{
	"憤怒": EmotionAnger,
	"輕蔑": EmotionContempt,
	"厭惡": EmotionDisgust,
	"其他": EmotionOthers,
}

var emotionDisplay = map[Emotion]string{
	EmotionAnger:    "憤怒",
	EmotionContempt: "輕蔑",
	EmotionDisgust:  "厭惡",
	EmotionOthers:   "其他",
}

// ParseEmotion maps a submitted label (canonical or display form) to its
// canonical emotion. Unknown labels fall back to "others", matching how the
// study binned unrecognized answers.
func ParseEmotion(label string) Emotion {
	trimmed := strings.TrimSpace(label)
	if e, ok := displayLabels[trimmed]; ok {
		return e
	}
	switch e := Emotion(strings.ToLower(trimmed)); e {
	case EmotionAnger, EmotionContempt, EmotionDisgust, EmotionOthers:
		return e
	}
	return EmotionOthers
}

// DisplayLabel returns the Traditional Chinese form of an emotion.
func (e Emotion) DisplayLabel() string {
	if s, ok := emotionDisplay[e]; ok {
		return s
	}
	return emotionDisplay[EmotionOthers]
}

// CompletionState tracks how far a participant got. States only ever move
// forward: in_progress -> no_contact -> fully_complete.
type CompletionState string

const (
	StateInProgress    CompletionState = "in_progress"
	StateNoContact     CompletionState = "no_contact"
	StateFullyComplete CompletionState = "fully_complete"
)

func (s CompletionState) rank() int {
	switch s {
	case StateNoContact:
		return 1
	case StateFullyComplete:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether s is as far along as other.
func (s CompletionState) AtLeast(other CompletionState) bool {
	return s.rank() >= other.rank()
}

// Event names a lifecycle transition in a participant's session.
type Event string

const (
	EventRegistrationCompleted Event = "registration_completed"
	EventPracticeStarted       Event = "practice_started"
	EventPracticeCompleted     Event = "practice_completed"
	EventGameStarted           Event = "game_started"
	EventFirstLabel            Event = "first_label"
	EventLastLabel             Event = "last_label"
	EventImageLabeled          Event = "image_labeled"
	EventGameCompleted         Event = "game_completed"
	EventSummaryViewed         Event = "summary_viewed"
	EventEmailSubmitted        Event = "email_submitted"
	EventSessionEnd            Event = "session_end"
)

// StageOrder is the fixed order in which lifecycle timestamps may occur.
// Used to verify that recorded timestamps never run backwards.
var StageOrder = []Event{
	EventRegistrationCompleted,
	EventPracticeStarted,
	EventPracticeCompleted,
	EventGameStarted,
	EventFirstLabel,
	EventLastLabel,
	EventGameCompleted,
	EventSummaryViewed,
	EventEmailSubmitted,
	EventSessionEnd,
}

// AttentionPolicy decides the attention-check verdict when a participant's
// record contains no attention-check responses at all.
type AttentionPolicy string

const (
	// AttentionFailOpen treats an absent check as a pass. This was the
	// original study's behavior.
	AttentionFailOpen AttentionPolicy = "fail-open"
	// AttentionFailClosed treats an absent check as a failure.
	AttentionFailClosed AttentionPolicy = "fail-closed"
)

// IsValidAttentionPolicy reports whether p names a known policy.
func IsValidAttentionPolicy(p string) bool {
	switch AttentionPolicy(p) {
	case AttentionFailOpen, AttentionFailClosed:
		return true
	}
	return false
}

// Demographics is collected once at registration and never changes.
type Demographics struct {
	Age       string `json:"age"`
	Gender    string `json:"gender"`
	UserAgent string `json:"user_agent"`
	IP        string `json:"ip"`
}

// LifecycleFlags mark completed stages. They are set to true exactly once
// and never unset.
type LifecycleFlags struct {
	PracticeCompleted bool `json:"practice_completed"`
	GameStarted       bool `json:"game_started"`
	GameCompleted     bool `json:"game_completed"`
	SummaryViewed     bool `json:"summary_viewed"`
	EmailSubmitted    bool `json:"email_submitted"`
}

// DurationStats holds spans derived from pairs of lifecycle timestamps,
// in milliseconds. A nil entry means the closing timestamp has not been
// recorded yet.
type DurationStats struct {
	PracticeMS        *int64 `json:"practice_ms,omitempty"`
	GameMS            *int64 `json:"game_ms,omitempty"`
	LabelingMS        *int64 `json:"labeling_ms,omitempty"`
	TotalSessionMS    *int64 `json:"total_session_ms,omitempty"`
	EmailSubmissionMS *int64 `json:"email_submission_ms,omitempty"`
}

// Contact is filled in only if the participant completes the final stage.
type Contact struct {
	Email         string `json:"email"`
	Participation bool   `json:"participation"`
}

// ResponseRecord is one labeled stimulus. Immutable once appended.
type ResponseRecord struct {
	Stimulus       string  `json:"stimulus"`
	Label          Emotion `json:"label"`
	DisplayLabel   string  `json:"display_label"`
	ResponseTime   string  `json:"response_time"`
	ResponseTimeMS int64   `json:"response_time_ms"`
	Normalized     string  `json:"normalized"`
	MemeName       string  `json:"meme_name"`
	PostID         *int    `json:"post_id,omitempty"`
	RecordedAtMS   int64   `json:"recorded_at_ms"`
}

// ParticipantRecord is the per-participant JSON document. ParticipantID is
// assigned at registration and never changes; CurrentFilename starts equal
// to it and gains completion suffixes as milestones are crossed.
type ParticipantRecord struct {
	ParticipantID   string           `json:"participant_id"`
	CurrentFilename string           `json:"current_filename"`
	StartedAtMS     int64            `json:"started_at_ms"`
	EndedAtMS       *int64           `json:"ended_at_ms,omitempty"`
	Demographics    Demographics     `json:"demographics"`
	State           CompletionState  `json:"state"`
	Lifecycle       LifecycleFlags   `json:"lifecycle"`
	Timestamps      map[Event]int64  `json:"timestamps"`
	Durations       DurationStats    `json:"durations"`
	StimulusOrder   []string         `json:"stimulus_order,omitempty"`
	Responses       []ResponseRecord `json:"responses"`
	EmotionTally    map[Emotion]int  `json:"emotion_tally"`
	AttentionPassed *bool            `json:"attention_passed,omitempty"`
	Contact         *Contact         `json:"contact,omitempty"`
	LastUpdatedMS   int64            `json:"last_updated_ms"`
}

// NewParticipantRecord builds a fresh record at registration time.
func NewParticipantRecord(id string, d Demographics, now time.Time) *ParticipantRecord {
	ms := now.UnixMilli()
	tally := make(map[Emotion]int, len(Emotions))
	for _, e := range Emotions {
		tally[e] = 0
	}
	return &ParticipantRecord{
		ParticipantID:   id,
		CurrentFilename: id,
		StartedAtMS:     ms,
		Demographics:    d,
		State:           StateInProgress,
		Timestamps:      map[Event]int64{EventRegistrationCompleted: ms},
		Responses:       []ResponseRecord{},
		EmotionTally:    tally,
		LastUpdatedMS:   ms,
	}
}

// TallyFromResponses recomputes the emotion tally wholesale from the
// response log. Used on game completion to self-heal incremental drift.
func (r *ParticipantRecord) TallyFromResponses() map[Emotion]int {
	tally := make(map[Emotion]int, len(Emotions))
	for _, e := range Emotions {
		tally[e] = 0
	}
	for _, resp := range r.Responses {
		tally[resp.Label]++
	}
	return tally
}

// LabelPayload is the body of a label-submission request.
type LabelPayload struct {
	Stimulus     string `json:"image_name"`
	Label        string `json:"label"`
	ResponseTime string `json:"response_time"`
}

// EmotionPercentages maps each emotion to the share (0-100) of responses
// that chose it.
type EmotionPercentages map[Emotion]float64

var responseTimeRe = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2})(?:\.(\d{1,3}))?$`)

// ParseResponseTime converts a client-measured latency string of the form
// "HH:MM:SS.mmm" to milliseconds. Malformed input yields 0.
func ParseResponseTime(s string) int64 {
	m := responseTimeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	var ms int
	if m[4] != "" {
		frac := m[4]
		for len(frac) < 3 {
			frac += "0"
		}
		ms, _ = strconv.Atoi(frac)
	}
	return int64(h)*3600000 + int64(min)*60000 + int64(sec)*1000 + int64(ms)
}

// FormatDuration renders a millisecond span as "MM:SS.mmm", with an hour
// component when one is present.
func FormatDuration(ms int64) string {
	if ms < 0 {
		return "00:00.000"
	}
	total := ms / 1000
	milli := ms % 1000
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return pad2(h) + ":" + pad2(m) + ":" + pad2(s) + "." + pad3(milli)
	}
	return pad2(m) + ":" + pad2(s) + "." + pad3(milli)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}

func pad3(n int64) string {
	s := strconv.FormatInt(n, 10)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

// StudyConfig holds runtime study parameters set via CLI flags.
type StudyConfig struct {
	DataDir         string
	SessionsFile    string
	StimulusDir     string
	PracticeDir     string
	AttentionDir    string
	AttentionChecks int
	AttentionPolicy AttentionPolicy
	SecureCookies   bool
	AdminPassword   string // bcrypt hash, set at startup
}
