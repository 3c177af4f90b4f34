package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// EmbeddingFunc turns text into an embedding vector.
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// Document is one passage stored in a domain's collection.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// VectorStore is a Provider backed by chromem-go collections, one per
// domain.
type VectorStore struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc
}

// NewVectorStore opens the store. With an empty persistDir everything is
// kept in memory.
func NewVectorStore(persistDir string, embed EmbeddingFunc) (*VectorStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if persistDir != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistDir, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("create persistent vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &VectorStore{db: db, embed: chromem.EmbeddingFunc(embed)}, nil
}

// Add indexes documents into a domain's collection.
func (s *VectorStore) Add(ctx context.Context, domain Domain, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	name, err := domain.Collection()
	if err != nil {
		return err
	}
	col, err := s.db.GetOrCreateCollection(name, nil, s.embed)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	cdocs := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		cdocs = append(cdocs, chromem.Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata})
	}
	if err := col.AddDocuments(ctx, cdocs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents to %s: %w", name, err)
	}
	return nil
}

// Retrieve implements Provider. A domain without an index yields an empty
// string.
func (s *VectorStore) Retrieve(ctx context.Context, query string, domain Domain, limit int) (string, error) {
	name, err := domain.Collection()
	if err != nil {
		return "", err
	}
	col := s.db.GetCollection(name, s.embed)
	if col == nil || strings.TrimSpace(query) == "" {
		return "", nil
	}
	n := col.Count()
	if n == 0 {
		return "", nil
	}
	if limit <= 0 {
		limit = 3
	}
	if limit < n {
		n = limit
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}
	passages := make([]string, 0, len(results))
	for _, r := range results {
		passages = append(passages, r.Content)
	}
	return strings.Join(passages, Separator), nil
}
