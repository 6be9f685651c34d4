package export

import (
	"fmt"
	"strings"
	"time"
)

// Format selects the serialization of an export.
type Format string

const (
	// FormatJSONL writes one JSON record per line.
	FormatJSONL Format = "jsonl"
	// FormatM2 writes the M2 sentence/annotation format.
	FormatM2 Format = "m2"
)

const noneCorrection = "-NONE-"

// ParseFormat resolves a format name. Empty input means JSONL.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(FormatJSONL):
		return FormatJSONL, nil
	case string(FormatM2):
		return FormatM2, nil
	default:
		return "", fmt.Errorf("export: unknown format %q", raw)
	}
}

// ContentType returns the media type of the format.
func (f Format) ContentType() string {
	if f == FormatM2 {
		return "text/plain; charset=utf-8"
	}
	return "application/x-jsonlines"
}

// Filename returns the download name of an export produced at the given time.
func (f Format) Filename(at time.Time) string {
	return fmt.Sprintf("export_%s.%s", at.UTC().Format("20060102_150405"), string(f))
}

// Edit is one exported edit.
type Edit struct {
	StartToken  int     `json:"start_token"`
	EndToken    int     `json:"end_token"`
	Operation   string  `json:"operation"`
	ErrorType   string  `json:"error_type"`
	Replacement *string `json:"replacement"`
	MoveFrom    *int    `json:"move_from"`
	MoveTo      *int    `json:"move_to"`
	MoveLen     *int    `json:"move_len"`

	correction string
}

// Record is the export of one text: its source, the corrected target and the edits.
type Record struct {
	ID     int64  `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Edits  []Edit `json:"edits"`

	sourceTokens []string
}
