package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"psychtrainer/internal/llm"
	"psychtrainer/pkg"
)

func TestCompressor_FoldsOldestMessages(t *testing.T) {
	mock := newScript().client()
	c := NewCompressor(mock, DefaultPrompts())
	state := stateWith(exchange(17)...)

	u, ok := c.Compress(context.Background(), state)
	require.True(t, ok)
	merged := pkg.Merge(state, u)

	require.Len(t, merged.Messages, 6)
	assert.Equal(t, state.Messages[11:], merged.Messages)
	assert.NotEmpty(t, merged.Summary)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	prompt := calls[0].Messages[0].Content
	assert.Contains(t, prompt, "None")
	assert.Contains(t, prompt, "STUDENT: question 0")
	assert.Contains(t, prompt, "PATIENT: answer 9")
	assert.NotContains(t, prompt, "question 12")
	assert.Equal(t, float32(0.3), calls[0].Temperature)
	assert.Equal(t, 250, calls[0].MaxTokens)
}

func TestCompressor_FoldsPreviousSummary(t *testing.T) {
	mock := newScript().client()
	c := NewCompressor(mock, DefaultPrompts())
	state := stateWith(exchange(20)...)
	state.Summary = "Patient reported checking rituals."

	_, ok := c.Compress(context.Background(), state)
	require.True(t, ok)
	assert.Contains(t, mock.Calls()[0].Messages[0].Content, "Patient reported checking rituals.")
}

func TestCompressor_WithinBudget(t *testing.T) {
	mock := newScript().client()
	c := NewCompressor(mock, DefaultPrompts())

	_, ok := c.Compress(context.Background(), stateWith(exchange(16)...))
	assert.False(t, ok)
	assert.Empty(t, mock.Calls())
}

func TestCompressor_FailureKeepsHistory(t *testing.T) {
	for name, s := range map[string]*script{
		"error": newScript().failing("compressor"),
		"empty": newScript().on("compressor", "   "),
	} {
		t.Run(name, func(t *testing.T) {
			c := NewCompressor(s.client(), DefaultPrompts())
			u, ok := c.Compress(context.Background(), stateWith(exchange(17)...))
			assert.False(t, ok)
			assert.True(t, u.Empty())
		})
	}
}

func TestPatient_Respond(t *testing.T) {
	mock := newScript().client()
	p := NewPatient(mock, testRetriever(), DefaultPrompts())
	state := stateWith(student("Hello"), patient("Hi"), student("How do you sleep?"))
	state.FewShotExamples = "Student: Hi\nPatient: Hello, doctor."

	u := p.Respond(context.Background(), state, nil)
	merged := pkg.Merge(state, u)

	last, _ := merged.LastMessage()
	assert.Equal(t, pkg.RolePatient, last.Role)
	assert.Equal(t, "I haven't been sleeping well.", last.Content)
	assert.Equal(t, "James is 21 and studies engineering.", merged.PatientContext)
	assert.Equal(t, "OCD involves obsessions and compulsions.", merged.MedicalContext)

	req := mock.Calls()[0]
	assert.Equal(t, float32(0.7), req.Temperature)
	assert.Equal(t, 150, req.MaxTokens)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "introduction")
	assert.Contains(t, req.Messages[0].Content, "None available yet.")
	assert.Contains(t, req.Messages[0].Content, "Hello, doctor.")
	assert.Equal(t, []string{llm.RoleUser, llm.RoleAssistant, llm.RoleUser},
		[]string{req.Messages[1].Role, req.Messages[2].Role, req.Messages[3].Role})
}

func TestPatient_RetrievalFailureDegrades(t *testing.T) {
	p := NewPatient(newScript().client(), failingRetriever{}, DefaultPrompts())
	u := p.Respond(context.Background(), stateWith(student("Hello")), nil)
	require.NotNil(t, u.PatientContext)
	assert.Empty(t, *u.PatientContext)
	assert.Empty(t, *u.MedicalContext)
	assert.Len(t, u.Messages, 1)
}

func TestPatient_Fallback(t *testing.T) {
	for name, s := range map[string]*script{
		"error": newScript().failing("patient"),
		"empty": newScript().on("patient", ""),
	} {
		t.Run(name, func(t *testing.T) {
			p := NewPatient(s.client(), testRetriever(), DefaultPrompts())
			u := p.Respond(context.Background(), stateWith(student("Hello")), nil)
			assert.Equal(t, PatientFallback, u.Messages[0].Messages()[0].Content)
		})
	}
}

func TestPatient_Streaming(t *testing.T) {
	p := NewPatient(newScript().on("patient", "I check the stove twice.").client(), testRetriever(), DefaultPrompts())
	sink := &collectSink{}

	u := p.Respond(context.Background(), stateWith(student("Any rituals?")), sink)
	assert.Equal(t, "I check the stove twice.", u.Messages[0].Messages()[0].Content)
	assert.Equal(t, "I check the stove twice.", sink.text())
	assert.Greater(t, len(sink.tokens), 1)
}

func TestPatient_StreamFailsBeforeText(t *testing.T) {
	client := &brokenStreamClient{err: errors.New("reset by peer")}
	p := NewPatient(client, testRetriever(), DefaultPrompts())
	sink := &collectSink{}

	u := p.Respond(context.Background(), stateWith(student("Hello")), sink)
	assert.Equal(t, PatientFallback, u.Messages[0].Messages()[0].Content)
	assert.Equal(t, PatientFallback, sink.text())
}

func TestPatient_StreamFailsMidway(t *testing.T) {
	client := &brokenStreamClient{parts: []string{"I", " usually"}, err: errors.New("reset by peer")}
	p := NewPatient(client, testRetriever(), DefaultPrompts())
	sink := &collectSink{}

	u := p.Respond(context.Background(), stateWith(student("Hello")), sink)
	assert.Equal(t, "I usually", u.Messages[0].Messages()[0].Content)
	assert.Equal(t, "I usually", sink.text())
}

func TestPatient_SinkErrorDoesNotChangeReply(t *testing.T) {
	p := NewPatient(newScript().on("patient", "one two three four").client(), testRetriever(), DefaultPrompts())
	sink := &collectSink{failAfter: 1}

	u := p.Respond(context.Background(), stateWith(student("Hello")), sink)
	assert.Equal(t, "one two three four", u.Messages[0].Messages()[0].Content)
	assert.Equal(t, "one", sink.text())
}

func TestEvaluator_NoteTrigger(t *testing.T) {
	cases := map[string]struct {
		msgs []pkg.ChatMessage
		want bool
	}{
		"empty":                {nil, false},
		"single message":       {[]pkg.ChatMessage{student("Hi")}, false},
		"student then patient": {[]pkg.ChatMessage{student("Hi"), patient("Hello")}, true},
		"patient then patient": {[]pkg.ChatMessage{patient("Hello"), patient("Again")}, false},
		"patient then student": {[]pkg.ChatMessage{patient("Hello"), student("Hi")}, false},
		"longer student turn":  {append(exchange(4), student("Any risk?"), patient("No.")), true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mock := newScript().client()
			e := NewEvaluator(mock, testRetriever(), DefaultPrompts())
			u, ok := e.Note(context.Background(), stateWith(tc.msgs...))
			assert.Equal(t, tc.want, ok)
			if tc.want {
				assert.Equal(t, []string{"[+] Good opening question."}, u.ProfessorNotes)
				assert.Equal(t, "Ask about suicidal ideation.", *u.GradingCriteria)
			} else {
				assert.Empty(t, mock.Calls())
			}
		})
	}
}

func TestEvaluator_NotePrompt(t *testing.T) {
	mock := newScript().client()
	e := NewEvaluator(mock, testRetriever(), DefaultPrompts())
	state := stateWith(student("Do you ever think of hurting yourself?"), patient("Sometimes."))
	state.Summary = "Poor sleep for a month."

	_, ok := e.Note(context.Background(), state)
	require.True(t, ok)
	req := mock.Calls()[0]
	assert.Equal(t, float32(0.2), req.Temperature)
	assert.Equal(t, 100, req.MaxTokens)
	prompt := req.Messages[0].Content
	assert.Contains(t, prompt, "Ask about suicidal ideation.")
	assert.Contains(t, prompt, "Poor sleep for a month.")
	assert.Contains(t, prompt, "STUDENT: Do you ever think of hurting yourself?")
	assert.Contains(t, prompt, "PATIENT: Sometimes.")
}

func TestEvaluator_NoteFailureIsRecorded(t *testing.T) {
	e := NewEvaluator(newScript().failing("evaluator").client(), failingRetriever{}, DefaultPrompts())
	u, ok := e.Note(context.Background(), stateWith(student("Hi"), patient("Hello")))
	require.True(t, ok)
	assert.Equal(t, []string{EvaluationFailedNote}, u.ProfessorNotes)
	assert.Empty(t, *u.GradingCriteria)
}

func TestEvaluator_NoteFailureLogsCause(t *testing.T) {
	cases := map[string]struct {
		client   *llm.MockClient
		provider bool
	}{
		"provider down": {newScript().failing("evaluator").client(), true},
		"empty output":  {newScript().on("evaluator", "   ").client(), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			obs, logs := observer.New(zap.WarnLevel)
			e := NewEvaluator(tc.client, testRetriever(), DefaultPrompts())
			e.Logger = zap.New(obs)

			u, ok := e.Note(context.Background(), stateWith(student("Hi"), patient("Hello")))
			require.True(t, ok)
			assert.Equal(t, []string{EvaluationFailedNote}, u.ProfessorNotes)

			entries := logs.FilterMessage("evaluation note failed").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tc.provider, entries[0].ContextMap()["provider_error"])
		})
	}
}

func TestEvaluator_Compile(t *testing.T) {
	mock := newScript().client()
	e := NewEvaluator(mock, testRetriever(), DefaultPrompts())
	state := stateWith(student("Hi"), patient("Hello"))
	state.ProfessorNotes = []string{"[+] Introduced self.", "[-] No risk screen."}

	report := e.Compile(context.Background(), state)
	require.NotNil(t, report)
	assert.Equal(t, 84.0, report.OverallScore)
	assert.Equal(t, "B", report.LetterGrade)
	require.Len(t, report.Criteria, len(pkg.Criteria))
	for i, c := range report.Criteria {
		assert.Equal(t, pkg.Criteria[i], c.Criterion)
	}
	assert.Equal(t, 9.0, report.Criteria[0].Score)
	assert.Equal(t, 6.0, report.Criteria[2].Score)

	req := mock.Calls()[0]
	assert.True(t, req.JSON)
	require.NotNil(t, req.Schema)
	assert.Equal(t, "grade_report", req.Schema.Name)
	assert.Equal(t, float32(0.1), req.Temperature)
	prompt := req.Messages[0].Content
	assert.Contains(t, prompt, "- [+] Introduced self.\n- [-] No risk screen.")
	assert.Contains(t, prompt, "Mental State Examination")
}

func TestEvaluator_CompileFailures(t *testing.T) {
	for name, s := range map[string]*script{
		"provider error": newScript().failing("grade"),
		"not json":       newScript().on("grade", "The student did well overall."),
		"bad types":      newScript().on("grade", `{"overall_score": "eighty", "criteria": 3}`),
	} {
		t.Run(name, func(t *testing.T) {
			e := NewEvaluator(s.client(), testRetriever(), DefaultPrompts())
			report := e.Compile(context.Background(), stateWith(student("Hi"), patient("Hello")))
			assert.Equal(t, pkg.FailureReport(), *report)
		})
	}
}

func TestParseReport(t *testing.T) {
	cases := map[string]string{
		"plain":          `{"overall_score": 72, "letter_grade": "C", "summary": "ok"}`,
		"fenced":         "```json\n{\"overall_score\": 72, \"letter_grade\": \"C\", \"summary\": \"ok\"}\n```",
		"prose around":   "Here is the report:\n{\"overall_score\": 72, \"letter_grade\": \"C\", \"summary\": \"ok\"}\nThanks.",
		"trailing comma": `{"overall_score": 72, "letter_grade": "C", "summary": "ok",}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			report, err := parseReport(raw)
			require.NoError(t, err)
			assert.Equal(t, 72.0, report.OverallScore)
			assert.Equal(t, "C", report.LetterGrade)
			assert.Equal(t, "ok", report.Summary)
			assert.Len(t, report.Criteria, len(pkg.Criteria))
		})
	}

	_, err := parseReport("no object here")
	assert.ErrorIs(t, err, errMalformedReport)
}

func TestRouter_Route(t *testing.T) {
	cases := []struct {
		name      string
		output    string
		current   pkg.Phase
		wantOK    bool
		wantPhase pkg.Phase
		wantEnd   bool
	}{
		{"advance", "examination", pkg.PhaseIntroduction, true, pkg.PhaseExamination, false},
		{"reaffirm", "Introduction.", pkg.PhaseIntroduction, true, pkg.PhaseIntroduction, false},
		{"earliest forward phase wins", "debrief, not diagnosis yet", pkg.PhaseExamination, true, pkg.PhaseDiagnosis, false},
		{"debrief ends", "DEBRIEF", pkg.PhaseDiagnosis, true, pkg.PhaseDebrief, true},
		{"inflected debrief ends", "Debriefing", pkg.PhaseDiagnosis, true, pkg.PhaseDebrief, true},
		{"regression ignored", "introduction", pkg.PhaseDiagnosis, false, "", false},
		{"no phase named", "continue", pkg.PhaseIntroduction, false, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(newScript().on("router", tc.output).client(), DefaultPrompts())
			state := stateWith(exchange(4)...)
			state.Phase = tc.current
			state.TurnCount = 2

			u, ok := r.Route(context.Background(), state)
			assert.Equal(t, tc.wantOK, ok)
			if !tc.wantOK {
				return
			}
			require.NotNil(t, u.Phase)
			assert.Equal(t, tc.wantPhase, *u.Phase)
			assert.Equal(t, tc.wantEnd, u.End)
		})
	}
}

func TestRouter_TurnCeiling(t *testing.T) {
	mock := newScript().on("router", "introduction").client()
	r := NewRouter(mock, DefaultPrompts())
	state := stateWith(student("Hi"))
	state.TurnCount = 21

	u, ok := r.Route(context.Background(), state)
	require.True(t, ok)
	assert.Equal(t, pkg.PhaseDebrief, *u.Phase)
	assert.True(t, u.End)
	assert.Empty(t, mock.Calls())
}

func TestRouter_SkipsShortLogsAndFailures(t *testing.T) {
	mock := newScript().client()
	r := NewRouter(mock, DefaultPrompts())
	_, ok := r.Route(context.Background(), stateWith(student("Hi"), patient("Hello")))
	assert.False(t, ok)
	assert.Empty(t, mock.Calls())

	r = NewRouter(newScript().failing("router").client(), DefaultPrompts())
	_, ok = r.Route(context.Background(), stateWith(exchange(5)...))
	assert.False(t, ok)
}

func TestRouter_PromptWindow(t *testing.T) {
	mock := newScript().client()
	r := NewRouter(mock, DefaultPrompts())
	state := stateWith(exchange(10)...)
	state.TurnCount = 5

	_, _ = r.Route(context.Background(), state)
	req := mock.Calls()[0]
	assert.Equal(t, float32(0), req.Temperature)
	assert.Equal(t, 10, req.MaxTokens)
	prompt := req.Messages[0].Content
	assert.NotContains(t, prompt, "answer 3\n")
	assert.Contains(t, prompt, "STUDENT: question 4")
	assert.Contains(t, prompt, "PATIENT: answer 9")
	assert.Contains(t, prompt, "Turn: 5")
}

func TestParsePhase(t *testing.T) {
	cases := []struct {
		in      string
		current pkg.Phase
		want    pkg.Phase
		wantOK  bool
	}{
		{"examination", pkg.PhaseIntroduction, pkg.PhaseExamination, true},
		{"  Diagnosis\n", pkg.PhaseIntroduction, pkg.PhaseDiagnosis, true},
		{"Phase: debrief.", pkg.PhaseIntroduction, pkg.PhaseDebrief, true},
		{"Debriefing", pkg.PhaseDiagnosis, pkg.PhaseDebrief, true},
		{"introduction/diagnosis", pkg.PhaseIntroduction, pkg.PhaseIntroduction, true},
		{"introduction/diagnosis", pkg.PhaseExamination, pkg.PhaseDiagnosis, true},
		{"reexamination needed", pkg.PhaseIntroduction, pkg.PhaseExamination, true},
		{"introduction", pkg.PhaseExamination, "", false},
		{"continue", pkg.PhaseIntroduction, "", false},
		{"", pkg.PhaseIntroduction, "", false},
	}
	for _, tc := range cases {
		got, ok := parsePhase(tc.in, tc.current)
		assert.Equal(t, tc.wantOK, ok, "%q from %s", tc.in, tc.current)
		assert.Equal(t, tc.want, got, "%q from %s", tc.in, tc.current)
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "s2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Equal(t, 0, l.held())
}

func TestLocalLocker_Serialises(t *testing.T) {
	l := NewLocalLocker()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "s1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, l.held())
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("title: |\n  Name it: {{.Student}}\n"), 0o600))

	p, err := LoadPrompts(path)
	require.NoError(t, err)
	out, err := p.Render(PromptTitle, titleData{Student: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "Name it: Hi", out)

	// Untouched prompts keep the embedded text.
	out, err = p.Render(PromptPhaseRouter, routerData{CurrentPhase: "introduction"})
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "introduction, examination, diagnosis, debrief"))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nonsense: hi\n"), 0o600))
	_, err = LoadPrompts(bad)
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("title: \"{{.Student\"\n"), 0o600))
	_, err = LoadPrompts(broken)
	assert.Error(t, err)

	_, err = LoadPrompts(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestCleanTitle(t *testing.T) {
	cases := map[string]string{
		`"OCD Initial Assessment"`:       "OCD Initial Assessment",
		"'Sleep Trouble History'":        "Sleep Trouble History",
		"  Anxiety Intake  \nExtra line": "Anxiety Intake",
		`""`:                             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanTitle(in), in)
	}
}
