// Package retrieval supplies the context strings the conversation agents
// ground their prompts in: the patient's background script, the grading
// rubric and general medical knowledge.
package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Domain selects which knowledge base a query runs against.
type Domain string

const (
	DomainPatient Domain = "patient"
	DomainRubric  Domain = "rubric"
	DomainMedical Domain = "medical"
)

// Collection returns the vector collection backing the domain.
func (d Domain) Collection() (string, error) {
	switch d {
	case DomainPatient:
		return "patient_script", nil
	case DomainRubric:
		return "grading_rubric", nil
	case DomainMedical:
		return "medical_knowledge", nil
	default:
		return "", fmt.Errorf("unknown retrieval domain %q", d)
	}
}

// Provider returns text relevant to a query. An empty string is a valid
// answer; callers treat errors as empty context.
type Provider interface {
	Retrieve(ctx context.Context, query string, domain Domain, limit int) (string, error)
}

// Separator joins individual retrieved passages.
const Separator = "\n---\n"

// Static is a Provider that serves fixed passages per domain, ignoring the
// query. Useful for local runs without an index and for tests.
type Static map[Domain][]string

// Retrieve implements Provider.
func (s Static) Retrieve(_ context.Context, _ string, domain Domain, limit int) (string, error) {
	if _, err := domain.Collection(); err != nil {
		return "", err
	}
	passages := s[domain]
	if limit > 0 && len(passages) > limit {
		passages = passages[:limit]
	}
	return strings.Join(passages, Separator), nil
}
