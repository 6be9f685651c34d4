package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Write serializes records in the given format.
func Write(w io.Writer, format Format, records []Record) error {
	if format == FormatM2 {
		return WriteM2(w, records)
	}
	return WriteJSONL(w, records)
}

// WriteJSONL writes one record per line without escaping non-ASCII text.
func WriteJSONL(w io.Writer, records []Record) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("export: encode record %d: %w", record.ID, err)
		}
	}
	return nil
}

// WriteM2 writes each record as an S line followed by its A lines and a blank line.
// Spans are written end-exclusive; inserts become empty spans.
func WriteM2(w io.Writer, records []Record) error {
	buffered := bufio.NewWriter(w)
	for _, record := range records {
		fmt.Fprintf(buffered, "S %s\n", record.SourceLine())
		if len(record.Edits) == 0 {
			writeM2Noop(buffered)
		}
		for _, edit := range record.Edits {
			if edit.Operation == "noop" {
				writeM2Noop(buffered)
				continue
			}
			start, end := edit.StartToken, edit.EndToken+1
			if edit.Operation == "insert" {
				end = start
			}
			fmt.Fprintf(buffered, "A %d %d|||%s|||%s|||REQUIRED|||-NONE-|||0\n", start, end, edit.ErrorType, edit.correction)
		}
		buffered.WriteString("\n")
	}
	return buffered.Flush()
}

func writeM2Noop(w io.Writer) {
	fmt.Fprint(w, "A -1 -1|||noop|||-NONE-|||REQUIRED|||-NONE-|||0\n")
}
