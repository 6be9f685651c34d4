package texts

import (
	"cmp"
	"context"
	"slices"

	"go.uber.org/zap"
)

// DiffEntry is the comparable part of an annotation: span, replacement and error type.
type DiffEntry struct {
	StartToken  int
	EndToken    int
	Replacement *string
	ErrorTypeID int64
}

func (e DiffEntry) key() diffKey {
	key := diffKey{start: e.StartToken, end: e.EndToken, errorTypeID: e.ErrorTypeID}
	if e.Replacement != nil {
		key.hasReplacement = true
		key.replacement = *e.Replacement
	}
	return key
}

type diffKey struct {
	start          int
	end            int
	errorTypeID    int64
	hasReplacement bool
	replacement    string
}

// AuthorDiff lists what each of two authors annotated that the other did not.
type AuthorDiff struct {
	Left      string
	Right     string
	OnlyLeft  []DiffEntry
	OnlyRight []DiffEntry
}

// AnnotationDiffs compares the annotations of every pair of authors on a text. Authors
// appear in the order of their first annotation; entries are sorted by span.
func (s *Service) AnnotationDiffs(ctx context.Context, textID int64) ([]AuthorDiff, error) {
	if s == nil || s.db == nil {
		s.logError(opAnnotationDiffs, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opAnnotationDiffs, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findText(db, opAnnotationDiffs, textID); err != nil {
		return nil, err
	}
	annotations, err := loadAnnotations(db, textID, "")
	if err != nil {
		s.logError(opAnnotationDiffs, "annotation_select_failed", err, zap.Int64("text_id", textID))
		return nil, newServiceError(opAnnotationDiffs, "annotation_select_failed", err)
	}

	var authors []string
	grouped := make(map[string]map[diffKey]DiffEntry)
	for _, annotation := range annotations {
		entries, ok := grouped[annotation.AuthorID]
		if !ok {
			entries = make(map[diffKey]DiffEntry)
			grouped[annotation.AuthorID] = entries
			authors = append(authors, annotation.AuthorID)
		}
		entry := DiffEntry{
			StartToken:  annotation.StartToken,
			EndToken:    annotation.EndToken,
			Replacement: annotation.Replacement,
			ErrorTypeID: annotation.ErrorTypeID,
		}
		entries[entry.key()] = entry
	}

	diffs := make([]AuthorDiff, 0, len(authors)*(len(authors)-1)/2)
	for leftIndex, left := range authors {
		for _, right := range authors[leftIndex+1:] {
			diffs = append(diffs, AuthorDiff{
				Left:      left,
				Right:     right,
				OnlyLeft:  difference(grouped[left], grouped[right]),
				OnlyRight: difference(grouped[right], grouped[left]),
			})
		}
	}
	return diffs, nil
}

func difference(from, other map[diffKey]DiffEntry) []DiffEntry {
	result := make([]DiffEntry, 0)
	for key, entry := range from {
		if _, shared := other[key]; !shared {
			result = append(result, entry)
		}
	}
	slices.SortFunc(result, func(a, b DiffEntry) int {
		left, right := a.key(), b.key()
		return cmp.Or(
			cmp.Compare(left.start, right.start),
			cmp.Compare(left.end, right.end),
			cmp.Compare(left.errorTypeID, right.errorTypeID),
			compareBool(left.hasReplacement, right.hasReplacement),
			cmp.Compare(left.replacement, right.replacement),
		)
	})
	return result
}

func compareBool(left, right bool) int {
	switch {
	case left == right:
		return 0
	case left:
		return 1
	default:
		return -1
	}
}
