package pkg

import (
	"math"
	"strings"
)

// Criteria are the clinical-interview competencies every grade report
// scores, in report order.
var Criteria = []string{
	"Rapport Building",
	"History Taking",
	"Risk Assessment",
	"Mental State Examination",
	"Clinical Reasoning",
	"Communication Skills",
	"Professionalism",
}

// LetterGrades is the grade scale from best to worst.
var LetterGrades = []string{"A", "B", "C", "D", "F"}

const notAssessed = "Not assessed."

// CriterionScore is the score for one grading criterion.
type CriterionScore struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
}

// GradeReport is the final evaluation of a student's interview.
type GradeReport struct {
	OverallScore float64          `json:"overall_score"`
	LetterGrade  string           `json:"letter_grade"`
	Summary      string           `json:"summary"`
	Criteria     []CriterionScore `json:"criteria"`
	Strengths    []string         `json:"strengths"`
	Improvements []string         `json:"improvements"`
}

func (r GradeReport) clone() GradeReport {
	c := r
	c.Criteria = append([]CriterionScore{}, r.Criteria...)
	c.Strengths = append([]string{}, r.Strengths...)
	c.Improvements = append([]string{}, r.Improvements...)
	return c
}

// LetterFor maps an overall score onto the grade scale.
func LetterFor(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// Normalize coerces a parsed report into a valid one: scores are clamped to
// their ranges, the letter grade is one of LetterGrades, and Criteria holds
// exactly the known criteria in canonical order. Unknown criteria are
// dropped and missing ones get a zero score.
func (r GradeReport) Normalize() GradeReport {
	out := r.clone()
	out.OverallScore = clamp(r.OverallScore, 0, 100)

	letter := strings.ToUpper(strings.TrimSpace(r.LetterGrade))
	if len(letter) > 0 {
		letter = letter[:1]
	}
	if !validLetter(letter) {
		letter = LetterFor(out.OverallScore)
	}
	out.LetterGrade = letter

	byName := make(map[string]CriterionScore, len(r.Criteria))
	for _, c := range r.Criteria {
		key := criterionKey(c.Criterion)
		if _, seen := byName[key]; !seen {
			byName[key] = c
		}
	}
	out.Criteria = make([]CriterionScore, 0, len(Criteria))
	for _, name := range Criteria {
		c, ok := byName[criterionKey(name)]
		if !ok {
			out.Criteria = append(out.Criteria, CriterionScore{Criterion: name, Feedback: notAssessed})
			continue
		}
		out.Criteria = append(out.Criteria, CriterionScore{
			Criterion: name,
			Score:     clamp(c.Score, 0, 10),
			Feedback:  strings.TrimSpace(c.Feedback),
		})
	}
	if out.Strengths == nil {
		out.Strengths = []string{}
	}
	if out.Improvements == nil {
		out.Improvements = []string{}
	}
	return out
}

// FailureReport is the report produced when grading could not be completed.
func FailureReport() GradeReport {
	r := GradeReport{
		OverallScore: 0,
		LetterGrade:  LetterGrades[len(LetterGrades)-1],
		Summary:      "Grading failed due to technical error.",
	}
	return r.Normalize()
}

func validLetter(l string) bool {
	for _, g := range LetterGrades {
		if g == l {
			return true
		}
	}
	return false
}

func criterionKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
