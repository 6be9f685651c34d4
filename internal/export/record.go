package export

import (
	"sort"
	"strings"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/render"
	"github.com/neurotatarlar/gec-annotation-platform/internal/tokens"
)

// LabelFunc names the error type of an edit.
type LabelFunc func(errorTypeID int64) string

// BuildRecord renders source under items and lists the edits ordered by (start, end, id).
func BuildRecord(textID int64, source string, items []edits.Item, label LabelFunc) Record {
	base := render.ResolveTokens(source, items)
	record := Record{
		ID:           textID,
		Source:       source,
		Target:       tokens.Join(render.Apply(base, items), tokens.LineBreaks(source)),
		Edits:        make([]Edit, 0, len(items)),
		sourceTokens: tokens.Texts(base),
	}

	sorted := append([]edits.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		left, right := sorted[i], sorted[j]
		if left.StartToken != right.StartToken {
			return left.StartToken < right.StartToken
		}
		if left.EndToken != right.EndToken {
			return left.EndToken < right.EndToken
		}
		return left.IDValue() < right.IDValue()
	})
	for _, item := range sorted {
		record.Edits = append(record.Edits, buildEdit(item, label))
	}
	return record
}

func buildEdit(item edits.Item, label LabelFunc) Edit {
	edit := Edit{
		StartToken:  item.StartToken,
		EndToken:    item.EndToken,
		Operation:   string(item.Operation()),
		ErrorType:   "OTHER",
		Replacement: item.Replacement,
		correction:  correction(item),
	}
	if label != nil {
		if name := label(item.ErrorTypeID); name != "" {
			edit.ErrorType = name
		}
	}
	if move := item.Payload.Move; move != nil {
		edit.MoveFrom, edit.MoveTo, edit.MoveLen = move.From, move.To, move.Len
	}
	return edit
}

func correction(item edits.Item) string {
	if item.Replacement != nil && *item.Replacement != "" {
		return *item.Replacement
	}
	if derived := edits.DeriveReplacement(item.Payload); derived != nil {
		return *derived
	}
	return noneCorrection
}

// SourceLine returns the tokenized source as written on an M2 S line.
func (r Record) SourceLine() string {
	return strings.Join(r.sourceTokens, " ")
}
