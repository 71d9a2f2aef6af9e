package model

// StudyExport is the top-level JSON structure for study data export.
type StudyExport struct {
	StudyID      string              `json:"study_id"`
	Date         string              `json:"date"`
	Participants []ParticipantResult `json:"participants"`
}

// ParticipantResult holds one participant's flattened data for export.
type ParticipantResult struct {
	ParticipantID   string           `json:"participant_id"`
	CurrentFilename string           `json:"current_filename"`
	State           CompletionState  `json:"state"`
	Age             string           `json:"age"`
	Gender          string           `json:"gender"`
	StartedAtMS     int64            `json:"started_at_ms"`
	EndedAtMS       *int64           `json:"ended_at_ms,omitempty"`
	AttentionPassed *bool            `json:"attention_passed,omitempty"`
	Email           string           `json:"email,omitempty"`
	TotalLabels     int              `json:"total_labels"`
	EmotionTally    map[Emotion]int  `json:"emotion_tally"`
	Durations       DurationStats    `json:"durations"`
	Responses       []ResponseRecord `json:"responses"`
}

// ResultFromRecord flattens a ParticipantRecord into its export form.
func ResultFromRecord(r *ParticipantRecord) ParticipantResult {
	res := ParticipantResult{
		ParticipantID:   r.ParticipantID,
		CurrentFilename: r.CurrentFilename,
		State:           r.State,
		Age:             r.Demographics.Age,
		Gender:          r.Demographics.Gender,
		StartedAtMS:     r.StartedAtMS,
		EndedAtMS:       r.EndedAtMS,
		AttentionPassed: r.AttentionPassed,
		TotalLabels:     len(r.Responses),
		EmotionTally:    r.EmotionTally,
		Durations:       r.Durations,
		Responses:       r.Responses,
	}
	if r.Contact != nil {
		res.Email = r.Contact.Email
	}
	return res
}
