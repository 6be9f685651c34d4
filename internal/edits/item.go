package edits

import (
	"encoding/json"
	"strings"
)

// NoopSentinel is the span of an edit that covers the whole text without changing it.
const NoopSentinel = -1

// Item is one edit as exchanged with clients and consumed by the renderer.
type Item struct {
	ID          *int64  `json:"id,omitempty"`
	StartToken  int     `json:"start_token" validate:"gte=-1"`
	EndToken    int     `json:"end_token" validate:"gtefield=StartToken"`
	Replacement *string `json:"replacement"`
	ErrorTypeID int64   `json:"error_type_id" validate:"gt=0"`
	Payload     Payload `json:"payload"`
}

// IDValue returns the item id or zero.
func (i Item) IDValue() int64 {
	if i.ID == nil {
		return 0
	}
	return *i.ID
}

// NormalizedOperation resolves the effective operation of a payload. A payload without
// an operation is a replace when a replacement exists and a noop otherwise.
func NormalizedOperation(payload Payload, replacement *string) Operation {
	if payload.Operation != "" {
		return payload.Operation
	}
	if replacement != nil && *replacement != "" {
		return OperationReplace
	}
	return OperationNoop
}

// Operation returns the normalized operation of the item.
func (i Item) Operation() Operation {
	return NormalizedOperation(i.Payload, i.Replacement)
}

// MoveCoordinates resolves source, destination and length of a move, falling back to
// the span start and to the fragment or span widths.
func (i Item) MoveCoordinates() (from, to, length int) {
	from, to = i.StartToken, i.StartToken
	length = len(i.Payload.AfterTokens)
	if length == 0 {
		length = len(i.Payload.BeforeTokens)
	}
	if length == 0 {
		length = max(1, i.EndToken-i.StartToken+1)
	}
	if move := i.Payload.Move; move != nil {
		if move.From != nil {
			from = *move.From
		}
		if move.To != nil {
			to = *move.To
		}
		if move.Len != nil {
			length = *move.Len
		}
	}
	return from, to, length
}

// DeriveReplacement joins the fragment texts with single spaces. An empty result is nil.
func DeriveReplacement(payload Payload) *string {
	texts := make([]string, 0, len(payload.AfterTokens))
	for _, fragment := range payload.AfterTokens {
		texts = append(texts, fragment.Text)
	}
	joined := strings.TrimSpace(strings.Join(texts, " "))
	if joined == "" {
		return nil
	}
	return &joined
}

type fragmentSignature struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Origin      Origin  `json:"origin"`
	SpaceBefore *bool   `json:"space_before"`
	SourceID    *string `json:"source_id"`
}

type contentSignature struct {
	Operation    Operation           `json:"operation"`
	BeforeTokens []string            `json:"before_tokens"`
	AfterTokens  []fragmentSignature `json:"after_tokens"`
	MoveFrom     *int                `json:"move_from"`
	MoveTo       *int                `json:"move_to"`
	MoveLen      *int                `json:"move_len"`
	Replacement  *string             `json:"replacement"`
	ErrorTypeID  int64               `json:"error_type_id"`
}

// Signature identifies the content of an edit independently of its id, author and
// span: operation, before and after tokens, move coordinates, replacement and error type.
func (i Item) Signature() string {
	signature := contentSignature{
		Operation:    i.Payload.Operation,
		BeforeTokens: nonNilStrings(i.Payload.BeforeTokens),
		AfterTokens:  make([]fragmentSignature, 0, len(i.Payload.AfterTokens)),
		Replacement:  i.Replacement,
		ErrorTypeID:  i.ErrorTypeID,
	}
	for _, fragment := range i.Payload.AfterTokens {
		signature.AfterTokens = append(signature.AfterTokens, fragmentSignature{
			ID:          fragment.ID,
			Text:        fragment.Text,
			Origin:      fragment.Origin,
			SpaceBefore: fragment.SpaceBefore,
			SourceID:    fragment.SourceID,
		})
	}
	if move := i.Payload.Move; move != nil {
		signature.MoveFrom, signature.MoveTo, signature.MoveLen = move.From, move.To, move.Len
	}
	encoded, err := json.Marshal(signature)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// SameContent reports whether two edits carry identical content.
func SameContent(left, right Item) bool {
	return left.Signature() == right.Signature()
}
