package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

const tokenSeparator = "␟"

// FromSnapshot rebuilds token records for a persisted snapshot by locating each snapshot
// string in source at or after the running cursor. Whitespace skipped on the way sets
// SpaceBefore. Strings that cannot be located keep the cursor in place.
func FromSnapshot(snapshot []string, source string) []Token {
	result := make([]Token, 0, len(snapshot))
	cursor := 0
	for index, text := range snapshot {
		hasSpace := false
		for cursor < len(source) {
			r, size := utf8.DecodeRuneInString(source[cursor:])
			if !unicode.IsSpace(r) {
				break
			}
			hasSpace = true
			cursor += size
		}

		found := -1
		if text != "" {
			if offset := strings.Index(source[cursor:], text); offset >= 0 {
				found = cursor + offset
			}
		}
		if found > cursor {
			if strings.IndexFunc(source[cursor:found], unicode.IsSpace) >= 0 {
				hasSpace = true
			}
			cursor = found
		}

		result = append(result, Token{
			Text:        text,
			Kind:        snapshotKind(text),
			SpaceBefore: index > 0 && hasSpace,
		})
		if found >= 0 {
			cursor = found + len(text)
		}
	}
	return result
}

func snapshotKind(text string) Kind {
	switch {
	case IsSpecial(text):
		return KindSpecial
	case IsPunctOnly(text):
		return KindPunct
	default:
		return KindWord
	}
}

// HashText returns the hex sha256 of the UTF-8 text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HashTokens returns the hex sha256 of the snapshot joined by U+241F.
func HashTokens(snapshot []string) string {
	return HashText(strings.Join(snapshot, tokenSeparator))
}
