package render

import (
	"slices"
	"sort"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/tokens"
)

// ResolveTokens returns the base token sequence of source. A persisted text_tokens
// snapshot wins so indices stay stable across tokenizer changes; without one the text is
// tokenized live.
func ResolveTokens(source string, items []edits.Item) []tokens.Token {
	if snapshot := ActiveSnapshot(items); len(snapshot) > 0 {
		return tokens.FromSnapshot(snapshot, source)
	}
	return tokens.Tokenize(source)
}

// ActiveSnapshot picks the text_tokens snapshot that anchors items. Stored edits win by
// lowest id; unsaved edits only count when none is stored, ordered by snapshot content.
// The choice does not depend on the order of items.
func ActiveSnapshot(items []edits.Item) []string {
	var (
		chosen   []string
		chosenID int64
	)
	for _, item := range items {
		snapshot := item.Payload.TextTokens
		if len(snapshot) == 0 {
			continue
		}
		id := item.IDValue()
		if chosen == nil || snapshotBefore(id, snapshot, chosenID, chosen) {
			chosen, chosenID = snapshot, id
		}
	}
	return chosen
}

func snapshotBefore(id int64, snapshot []string, otherID int64, other []string) bool {
	if (id > 0) != (otherID > 0) {
		return id > 0
	}
	if id != otherID {
		return id < otherID
	}
	return slices.Compare(snapshot, other) < 0
}

// Text renders the corrected text of source under items. Line breaks are anchored to
// the original layout.
func Text(source string, items []edits.Item) string {
	base := ResolveTokens(source, items)
	breaks := tokens.LineBreaks(source)
	return tokens.Join(Apply(base, items), breaks)
}

type offsetRecord struct {
	start int
	delta int
}

type workspace struct {
	tokens  []tokens.Token
	offsets []offsetRecord
}

func (w *workspace) offsetAt(index int) int {
	total := 0
	for _, record := range w.offsets {
		if record.start <= index {
			total += record.delta
		}
	}
	return total
}

func (w *workspace) clamp(index int) int {
	return max(0, min(len(w.tokens), index))
}

// leadingSpace reports the space flag a token inserted at index should carry.
func (w *workspace) leadingSpace(index int) bool {
	if index <= 0 {
		return false
	}
	if index >= len(w.tokens) {
		return true
	}
	return w.tokens[index].SpaceBefore
}

func (w *workspace) splice(start, removeCount int, inserted []tokens.Token) {
	next := make([]tokens.Token, 0, len(w.tokens)-removeCount+len(inserted))
	next = append(next, w.tokens[:start]...)
	next = append(next, inserted...)
	next = append(next, w.tokens[start+removeCount:]...)
	w.tokens = next
}

// Apply runs items against base: moves first, then positional edits by span. Offsets of
// earlier edits are tracked against original indices. base is not modified.
func Apply(base []tokens.Token, items []edits.Item) []tokens.Token {
	work := &workspace{tokens: append([]tokens.Token(nil), base...)}
	for _, item := range Ordered(items) {
		switch item.Operation() {
		case edits.OperationNoop:
			continue
		case edits.OperationMove:
			work.move(item)
		default:
			work.replace(item)
		}
	}
	return work.tokens
}

func (w *workspace) move(item edits.Item) {
	from, to, length := item.MoveCoordinates()

	sourceStart := w.clamp(from + w.offsetAt(from))
	sourceEnd := min(len(w.tokens), max(sourceStart+1, min(len(w.tokens), sourceStart+length)))
	if sourceStart >= len(w.tokens) {
		sourceEnd = sourceStart
	}
	moved := append([]tokens.Token(nil), w.tokens[sourceStart:sourceEnd]...)
	w.splice(sourceStart, len(moved), nil)

	// Destinations are addressed before the moved tokens were cut out.
	insertion := to + w.offsetAt(to)
	if insertion > sourceStart {
		insertion -= len(moved)
	}
	insertion = w.clamp(insertion)
	if len(moved) == 0 {
		return
	}
	moved[0].SpaceBefore = w.leadingSpace(insertion)
	if insertion == 0 && insertion < len(w.tokens) {
		displaced := &w.tokens[insertion]
		if !displaced.SpaceBefore && displaced.Kind != tokens.KindPunct {
			displaced.SpaceBefore = true
		}
	}
	w.splice(insertion, 0, moved)
}

func (w *workspace) replace(item edits.Item) {
	operation := item.Operation()
	startOriginal := item.StartToken
	endOriginal := max(item.EndToken, startOriginal)

	target := w.clamp(startOriginal + w.offsetAt(startOriginal))
	leading := w.leadingSpace(target)

	removeCount := 0
	if operation != edits.OperationInsert {
		if len(item.Payload.BeforeTokens) > 0 {
			removeCount = len(item.Payload.BeforeTokens)
		} else {
			removeCount = endOriginal - startOriginal + 1
		}
	}
	if target+removeCount > len(w.tokens) {
		removeCount = max(0, len(w.tokens)-target)
	}

	var inserted []tokens.Token
	if operation != edits.OperationDelete {
		fallback := ""
		if item.Replacement != nil {
			fallback = *item.Replacement
		}
		inserted = FromFragments(item.Payload.AfterTokens, fallback, leading)
	}
	w.splice(target, removeCount, inserted)
	w.offsets = append(w.offsets, offsetRecord{start: startOriginal, delta: len(inserted) - removeCount})
}

// FromFragments builds replacement tokens from fragments, or from fallback text when no
// fragments exist. An explicit fragment space flag wins; otherwise joins between
// fragments get a space unless the next fragment starts with punctuation, and the first
// fragment inherits firstSpace.
func FromFragments(fragments []edits.Fragment, fallback string, firstSpace bool) []tokens.Token {
	type source struct {
		text        string
		spaceBefore *bool
	}
	sources := make([]source, 0, len(fragments))
	for _, fragment := range fragments {
		sources = append(sources, source{text: fragment.Text, spaceBefore: fragment.SpaceBefore})
	}
	if len(sources) == 0 && fallback != "" {
		sources = append(sources, source{text: fallback})
	}

	var built []tokens.Token
	for fragmentIndex, fragment := range sources {
		if fragment.text == "" {
			continue
		}
		for index, token := range tokens.SplitEdited(fragment.text) {
			if index == 0 {
				switch {
				case fragment.spaceBefore != nil:
					token.SpaceBefore = *fragment.spaceBefore
				case fragmentIndex > 0:
					token.SpaceBefore = token.Kind != tokens.KindPunct
				default:
					token.SpaceBefore = firstSpace
				}
				if fragmentIndex > 0 && !token.SpaceBefore && token.Kind != tokens.KindPunct {
					token.SpaceBefore = true
				}
			}
			built = append(built, token)
		}
	}
	return built
}

// Ordered returns items sorted for application: moves by id, then every other edit by
// (start, end, id). Remaining ties fall back to content so any permutation of the same
// set sorts identically.
func Ordered(items []edits.Item) []edits.Item {
	type keyed struct {
		item      edits.Item
		isMove    bool
		signature string
	}
	entries := make([]keyed, 0, len(items))
	for _, item := range items {
		entries = append(entries, keyed{
			item:      item,
			isMove:    item.Operation() == edits.OperationMove,
			signature: item.Signature(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		left, right := entries[i], entries[j]
		if left.isMove != right.isMove {
			return left.isMove
		}
		if left.isMove {
			if left.item.IDValue() != right.item.IDValue() {
				return left.item.IDValue() < right.item.IDValue()
			}
		}
		if left.item.StartToken != right.item.StartToken {
			return left.item.StartToken < right.item.StartToken
		}
		if left.item.EndToken != right.item.EndToken {
			return left.item.EndToken < right.item.EndToken
		}
		if left.item.IDValue() != right.item.IDValue() {
			return left.item.IDValue() < right.item.IDValue()
		}
		return left.signature < right.signature
	})
	ordered := make([]edits.Item, 0, len(entries))
	for _, entry := range entries {
		ordered = append(ordered, entry.item)
	}
	return ordered
}
