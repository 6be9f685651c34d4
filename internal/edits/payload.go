package edits

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Operation is the kind of an edit and the tag of Payload.
type Operation string

const (
	OperationReplace Operation = "replace"
	OperationDelete  Operation = "delete"
	OperationInsert  Operation = "insert"
	OperationMove    Operation = "move"
	OperationNoop    Operation = "noop"
)

// Origin tells whether a fragment came from the source text or was typed by the annotator.
type Origin string

const (
	OriginBase     Origin = "base"
	OriginInserted Origin = "inserted"
)

var (
	// ErrInvalidPayload marks a structurally invalid edit payload.
	ErrInvalidPayload = errors.New("edits: invalid payload")
)

// Fragment is one replacement token produced by an edit.
type Fragment struct {
	ID          string  `json:"id" validate:"required,max=190"`
	Text        string  `json:"text"`
	Origin      Origin  `json:"origin" validate:"required,oneof=base inserted"`
	SpaceBefore *bool   `json:"space_before,omitempty"`
	SourceID    *string `json:"source_id,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Move carries the optional move coordinates. Nil fields fall back to span-derived values.
type Move struct {
	From *int
	To   *int
	Len  *int
}

// Payload is the JSON detail stored with every annotation. Keys it does not know are kept
// in Extra and written back unchanged.
type Payload struct {
	Operation        Operation  `validate:"required,oneof=replace delete insert move noop"`
	BeforeTokens     []string   `validate:"-"`
	AfterTokens      []Fragment `validate:"dive"`
	Move             *Move      `validate:"-"`
	TextSHA256       string     `validate:"-"`
	TextTokens       []string   `validate:"-"`
	TextTokensSHA256 string     `validate:"-"`
	Note             string     `validate:"-"`
	Source           string     `validate:"-"`

	Extra map[string]json.RawMessage `validate:"-"`
}

var (
	fragmentSpaceKeys  = []string{"spaceBefore", "space_before"}
	fragmentSourceKeys = []string{"source_id", "sourceId"}
	moveFromKeys       = []string{"move_from", "moveFrom"}
	moveToKeys         = []string{"move_to", "moveTo"}
	moveLenKeys        = []string{"move_len", "moveLen"}
)

// UnmarshalJSON decodes a fragment, defaulting origin to base and requiring id and text.
func (f *Fragment) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data, "after_tokens entry")
	if err != nil {
		return err
	}
	var decoded Fragment
	if _, ok := fields["id"]; !ok {
		return fmt.Errorf("%w: after_tokens entry missing id", ErrInvalidPayload)
	}
	if _, ok := fields["text"]; !ok {
		return fmt.Errorf("%w: after_tokens entry missing text", ErrInvalidPayload)
	}
	if err := takeField(fields, []string{"id"}, &decoded.ID); err != nil {
		return err
	}
	if err := takeField(fields, []string{"text"}, &decoded.Text); err != nil {
		return err
	}
	if err := takeField(fields, []string{"origin"}, &decoded.Origin); err != nil {
		return err
	}
	if decoded.Origin == "" {
		decoded.Origin = OriginBase
	}
	decoded.SpaceBefore = takeOptionalBool(fields, fragmentSpaceKeys)
	if err := takeField(fields, fragmentSourceKeys, &decoded.SourceID); err != nil {
		return err
	}
	if len(fields) > 0 {
		decoded.Extra = fields
	}
	*f = decoded
	return nil
}

// MarshalJSON writes the known fields over the extension bag.
func (f Fragment) MarshalJSON() ([]byte, error) {
	out := cloneExtra(f.Extra)
	out["id"] = f.ID
	out["text"] = f.Text
	out["origin"] = f.Origin
	if f.SpaceBefore != nil {
		out["space_before"] = *f.SpaceBefore
	}
	if f.SourceID != nil {
		out["source_id"] = *f.SourceID
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a payload, keeping unknown keys in Extra.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*p = Payload{}
		return nil
	}
	fields, err := decodeObject(data, "payload")
	if err != nil {
		return err
	}
	var decoded Payload
	if err := takeField(fields, []string{"operation"}, &decoded.Operation); err != nil {
		return err
	}
	if decoded.BeforeTokens, err = takeStringList(fields, "before_tokens"); err != nil {
		return err
	}
	if err := takeField(fields, []string{"after_tokens"}, &decoded.AfterTokens); err != nil {
		return err
	}
	if decoded.TextTokens, err = takeStringList(fields, "text_tokens"); err != nil {
		return err
	}
	for _, target := range []struct {
		keys []string
		dest *string
	}{
		{keys: []string{"text_sha256"}, dest: &decoded.TextSHA256},
		{keys: []string{"text_tokens_sha256"}, dest: &decoded.TextTokensSHA256},
		{keys: []string{"note"}, dest: &decoded.Note},
		{keys: []string{"source"}, dest: &decoded.Source},
	} {
		if err := takeField(fields, target.keys, target.dest); err != nil {
			return err
		}
	}
	move := Move{}
	if err := takeField(fields, moveFromKeys, &move.From); err != nil {
		return err
	}
	if err := takeField(fields, moveToKeys, &move.To); err != nil {
		return err
	}
	if err := takeField(fields, moveLenKeys, &move.Len); err != nil {
		return err
	}
	if move.From != nil || move.To != nil || move.Len != nil {
		decoded.Move = &move
	}
	if len(fields) > 0 {
		decoded.Extra = fields
	}
	*p = decoded
	return nil
}

// MarshalJSON writes the known fields over the extension bag. Lists are never null.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := cloneExtra(p.Extra)
	out["operation"] = p.Operation
	out["before_tokens"] = nonNilStrings(p.BeforeTokens)
	after := p.AfterTokens
	if after == nil {
		after = []Fragment{}
	}
	out["after_tokens"] = after
	if p.TextSHA256 != "" {
		out["text_sha256"] = p.TextSHA256
	}
	if len(p.TextTokens) > 0 {
		out["text_tokens"] = p.TextTokens
	}
	if p.TextTokensSHA256 != "" {
		out["text_tokens_sha256"] = p.TextTokensSHA256
	}
	if p.Note != "" {
		out["note"] = p.Note
	}
	if p.Source != "" {
		out["source"] = p.Source
	}
	if p.Move != nil {
		if p.Move.From != nil {
			out["move_from"] = *p.Move.From
		}
		if p.Move.To != nil {
			out["move_to"] = *p.Move.To
		}
		if p.Move.Len != nil {
			out["move_len"] = *p.Move.Len
		}
	}
	return json.Marshal(out)
}

// Value stores the payload as JSON text.
func (p Payload) Value() (driver.Value, error) {
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan reads a payload stored as JSON text or bytes.
func (p *Payload) Scan(value any) error {
	switch typed := value.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		return json.Unmarshal(typed, p)
	case string:
		return json.Unmarshal([]byte(typed), p)
	default:
		return fmt.Errorf("edits: unsupported payload column type %T", value)
	}
}

// GormDBDataType picks the JSON column type of the active dialect.
func (Payload) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "JSONB"
	}
	return "JSON"
}

func decodeObject(data []byte, what string) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidPayload, what)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, what, err)
	}
	return fields, nil
}

// takeField decodes the first non-null key into dest and removes every alias from fields.
func takeField(fields map[string]json.RawMessage, keys []string, dest any) error {
	found := false
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		delete(fields, key)
		if found || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, dest); err != nil {
			if errors.Is(err, ErrInvalidPayload) {
				return err
			}
			return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
		}
		found = true
	}
	return nil
}

func takeOptionalBool(fields map[string]json.RawMessage, keys []string) *bool {
	var result *bool
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		delete(fields, key)
		var value bool
		if result == nil && json.Unmarshal(raw, &value) == nil {
			result = &value
		}
	}
	return result
}

// takeStringList decodes a list whose entries are kept as opaque strings. Non-string
// entries keep their JSON text and nulls are dropped.
func takeStringList(fields map[string]json.RawMessage, key string) ([]string, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, nil
	}
	delete(fields, key)
	if isNull(raw) {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s must be a list", ErrInvalidPayload, key)
	}
	values := make([]string, 0, len(entries))
	for _, entry := range entries {
		if isNull(entry) {
			continue
		}
		var text string
		if err := json.Unmarshal(entry, &text); err != nil {
			text = string(bytes.TrimSpace(entry))
		}
		values = append(values, text)
	}
	return values, nil
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func cloneExtra(extra map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(extra)+8)
	for key, value := range extra {
		out[key] = value
	}
	return out
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
