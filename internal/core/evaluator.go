package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"psychtrainer/internal/llm"
	"psychtrainer/internal/metrics"
	"psychtrainer/internal/retrieval"
	"psychtrainer/pkg"
)

// EvaluationFailedNote is recorded when a per-turn note cannot be produced.
const EvaluationFailedNote = "[System: Evaluation failed]"

var errMalformedReport = errors.New("malformed grade report")

// gradeReportSchema constrains the final report when the provider supports
// json_schema output.
var gradeReportSchema = &llm.Schema{
	Name: "grade_report",
	Definition: json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["overall_score", "letter_grade", "summary", "criteria", "strengths", "improvements"],
  "properties": {
    "overall_score": {"type": "number"},
    "letter_grade": {"type": "string", "enum": ["A", "B", "C", "D", "F"]},
    "summary": {"type": "string"},
    "criteria": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["criterion", "score", "feedback"],
        "properties": {
          "criterion": {"type": "string"},
          "score": {"type": "number"},
          "feedback": {"type": "string"}
        }
      }
    },
    "strengths": {"type": "array", "items": {"type": "string"}},
    "improvements": {"type": "array", "items": {"type": "string"}}
  }
}`),
}

// Evaluator is the hidden professor. It writes a private note for every
// graded student turn and compiles the final report at session end.
type Evaluator struct {
	LLM       llm.Client
	Retriever retrieval.Provider
	Prompts   *Prompts
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(client llm.Client, retriever retrieval.Provider, prompts *Prompts) *Evaluator {
	return &Evaluator{LLM: client, Retriever: retriever, Prompts: prompts, Logger: zap.NewNop()}
}

// Note grades the student message that precedes the latest reply. It reports
// false when there is nothing to grade: fewer than two messages, or the
// second-to-last message is not from the student.
func (e *Evaluator) Note(ctx context.Context, state *pkg.SessionState) (pkg.Update, bool) {
	n := len(state.Messages)
	if n < 2 || state.Messages[n-2].Role != pkg.RoleStudent {
		return pkg.Update{}, false
	}
	student := state.Messages[n-2]
	log := e.Logger.With(zap.String("session_id", state.SessionID))

	var criteria string
	if e.Retriever != nil {
		out, err := e.Retriever.Retrieve(ctx, student.Content, retrieval.DomainRubric, rubricContextLimit)
		if err != nil {
			log.Warn("rubric retrieval failed", zap.Error(err))
		} else {
			criteria = out
		}
	}

	summary := state.Summary
	if summary == "" {
		summary = noSummaryYet
	}
	note := EvaluationFailedNote
	prompt, err := e.Prompts.Render(PromptProfessorNote, noteData{
		GradingCriteria: criteria,
		Summary:         summary,
		Transcript:      renderTranscript(state.Messages),
	})
	if err == nil {
		var out string
		out, err = e.LLM.Complete(ctx, llm.Request{
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			MaxTokens:   100,
			Temperature: 0.2,
		})
		if out = strings.TrimSpace(out); err == nil && out == "" {
			err = llm.ErrEmptyResponse
		}
		if err == nil {
			note = out
		}
	}
	if err != nil {
		log.Warn("evaluation note failed", failureFields(err)...)
		e.Metrics.IncFallback("evaluator")
	}

	return pkg.Update{
		ProfessorNotes:  []string{note},
		GradingCriteria: pkg.String(criteria),
	}, true
}

// Compile turns the accumulated notes and transcript into the final report.
// It never fails: any provider or parsing problem yields pkg.FailureReport.
func (e *Evaluator) Compile(ctx context.Context, state *pkg.SessionState) *pkg.GradeReport {
	log := e.Logger.With(zap.String("session_id", state.SessionID))

	report, err := e.compile(ctx, state)
	if err != nil {
		log.Error("grading failed", failureFields(err)...)
		e.Metrics.IncGradeReport("failed")
		failed := pkg.FailureReport()
		return &failed
	}
	e.Metrics.IncGradeReport("ok")
	return &report
}

func (e *Evaluator) compile(ctx context.Context, state *pkg.SessionState) (pkg.GradeReport, error) {
	notes := make([]string, len(state.ProfessorNotes))
	for i, n := range state.ProfessorNotes {
		notes[i] = "- " + n
	}
	prompt, err := e.Prompts.Render(PromptFinalGrade, gradeData{
		Notes:      strings.Join(notes, "\n"),
		Transcript: renderTranscript(state.Messages),
		Criteria:   pkg.Criteria,
	})
	if err != nil {
		return pkg.GradeReport{}, err
	}
	out, err := e.LLM.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.1,
		JSON:        true,
		Schema:      gradeReportSchema,
	})
	if err != nil {
		return pkg.GradeReport{}, err
	}
	return parseReport(out)
}

// parseReport decodes model output into a normalised report, repairing
// slightly broken JSON when needed.
func parseReport(raw string) (pkg.GradeReport, error) {
	text := extractJSONObject(raw)
	if text == "" {
		return pkg.GradeReport{}, fmt.Errorf("%w: no JSON object in output", errMalformedReport)
	}
	var report pkg.GradeReport
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil {
			return pkg.GradeReport{}, fmt.Errorf("%w: %v", errMalformedReport, err)
		}
		report = pkg.GradeReport{}
		if err := json.Unmarshal([]byte(repaired), &report); err != nil {
			return pkg.GradeReport{}, fmt.Errorf("%w: %v", errMalformedReport, err)
		}
	}
	return report.Normalize(), nil
}

// extractJSONObject strips markdown fences and surrounding prose.
func extractJSONObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	if end := strings.LastIndexByte(s, '}'); end > start {
		return s[start : end+1]
	}
	// Truncated output; leave closing to the repairer.
	return s[start:]
}
