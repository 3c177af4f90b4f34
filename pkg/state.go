package pkg

// MessageOp is one change to the message log. It is either an append of new
// messages or a wholesale replace of the log with a shorter list.
type MessageOp struct {
	replace  bool
	messages []ChatMessage
}

// Append returns an op that adds msgs to the end of the log.
func Append(msgs ...ChatMessage) MessageOp {
	return MessageOp{messages: msgs}
}

// Replace returns an op that substitutes the whole log with msgs. Only the
// history compressor issues replaces.
func Replace(msgs []ChatMessage) MessageOp {
	return MessageOp{replace: true, messages: msgs}
}

// IsReplace reports whether the op replaces the log.
func (op MessageOp) IsReplace() bool { return op.replace }

// Messages returns the messages carried by the op.
func (op MessageOp) Messages() []ChatMessage { return op.messages }

// Update is a partial state change produced by one pipeline step. Zero
// fields mean "no change".
type Update struct {
	Messages       []MessageOp
	Summary        *string
	ProfessorNotes []string
	TurnIncrement  int
	Phase          *Phase
	End            bool
	GradeReport    *GradeReport
	Title          *string

	PatientContext  *string
	GradingCriteria *string
	MedicalContext  *string
	FewShotExamples *string
}

// Empty reports whether u carries no change at all.
func (u Update) Empty() bool {
	return len(u.Messages) == 0 && u.Summary == nil && len(u.ProfessorNotes) == 0 &&
		u.TurnIncrement <= 0 && u.Phase == nil && !u.End && u.GradeReport == nil &&
		u.Title == nil && u.PatientContext == nil && u.GradingCriteria == nil &&
		u.MedicalContext == nil && u.FewShotExamples == nil
}

// Merge applies updates to state as a single merge step and returns the new
// state. The input is never modified.
//
// Within one step the last replace op substitutes the log as it was before
// the step, and every append op of the step is added after it in order, so
// an append is never lost to a concurrent replace.
func Merge(state *SessionState, updates ...Update) *SessionState {
	next := state.Clone()

	var (
		replaced bool
		base     []ChatMessage
		appended []ChatMessage
	)
	for _, u := range updates {
		for _, op := range u.Messages {
			if op.replace {
				replaced = true
				base = op.messages
				continue
			}
			appended = append(appended, op.messages...)
		}
	}
	if replaced {
		next.Messages = cloneMessages(base)
	}
	next.Messages = append(next.Messages, cloneMessages(appended)...)

	for _, u := range updates {
		if u.Summary != nil {
			next.Summary = *u.Summary
		}
		next.ProfessorNotes = append(next.ProfessorNotes, u.ProfessorNotes...)
		if u.TurnIncrement > 0 {
			next.TurnCount += u.TurnIncrement
		}
		if u.Phase != nil && u.Phase.Valid() && u.Phase.Ordinal() >= next.Phase.Ordinal() {
			next.Phase = *u.Phase
		}
		if u.End {
			next.IsEnded = true
		}
		if u.GradeReport != nil && next.GradeReport == nil {
			r := u.GradeReport.clone()
			next.GradeReport = &r
		}
		if u.Title != nil && next.Title == DefaultTitle {
			next.Title = *u.Title
		}
		if u.PatientContext != nil {
			next.PatientContext = *u.PatientContext
		}
		if u.GradingCriteria != nil {
			next.GradingCriteria = *u.GradingCriteria
		}
		if u.MedicalContext != nil {
			next.MedicalContext = *u.MedicalContext
		}
		if u.FewShotExamples != nil {
			next.FewShotExamples = *u.FewShotExamples
		}
	}
	return next
}

// String returns a pointer to s, for building updates.
func String(s string) *string { return &s }

// PhasePtr returns a pointer to p, for building updates.
func PhasePtr(p Phase) *Phase { return &p }
