// Package knowledge decides whether a previously learned supervisor answer
// applies to a new caller question.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/frontdesk/internal/storage"
)

// Matcher finds a learned answer for question. ok is false when nothing applies.
type Matcher interface {
	Match(ctx context.Context, question string) (answer string, ok bool, err error)
}

// Source yields the learned entries a matcher scans.
type Source interface {
	ListKnowledge() ([]storage.KnowledgeEntry, error)
}

// Key derives the knowledge key for the request that produced an answer.
// One request can therefore never produce more than one entry.
func Key(requestID string) string {
	return "request#" + requestID
}

// SubstringMatcher matches when either lowercased question contains the
// other. The first matching entry in store order wins. An empty question is
// a substring of everything and matches the first entry; this is a known
// property of the heuristic.
type SubstringMatcher struct {
	source Source
	logger *slog.Logger
}

// NewSubstringMatcher creates a SubstringMatcher reading from source.
func NewSubstringMatcher(source Source) *SubstringMatcher {
	return &SubstringMatcher{source: source, logger: slog.Default()}
}

func (m *SubstringMatcher) Match(ctx context.Context, question string) (string, bool, error) {
	entries, err := m.source.ListKnowledge()
	var malformed *storage.MalformedRecordsError
	if errors.As(err, &malformed) {
		m.logger.Warn("knowledge entries with malformed fields", "ids", malformed.IDs)
	} else if err != nil {
		return "", false, fmt.Errorf("listing knowledge: %w", err)
	}

	q := strings.ToLower(question)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		stored := strings.ToLower(e.Question)
		if strings.Contains(stored, q) || strings.Contains(q, stored) {
			return e.Answer, true, nil
		}
	}
	return "", false, nil
}
