package tokens

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind classifies a token.
type Kind string

const (
	// KindWord is a run of letters, digits or underscores.
	KindWord Kind = "word"
	// KindPunct is a token without any letter or digit.
	KindPunct Kind = "punct"
	// KindSpecial is a phone number, email address or URL kept as one unit.
	KindSpecial Kind = "special"
)

// Token is the minimal addressable unit of a text.
type Token struct {
	Text        string `json:"text"`
	Kind        Kind   `json:"kind"`
	SpaceBefore bool   `json:"space_before"`
}

var specialSources = []string{
	`\+\d[\d()\- ]*\d`,
	`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
	`(?:https?://[^\s,;:!]+|www\.[^\s,;:!]+)`,
}

var (
	specialPrefixMatchers = compileSpecial(`^(?:%s)`)
	specialFullMatchers   = compileSpecial(`^(?:%s)$`)
	trailingPunctuation   = regexp.MustCompile(`[.,;:!?]+$`)
)

func compileSpecial(layout string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(specialSources))
	for _, source := range specialSources {
		compiled = append(compiled, regexp.MustCompile(strings.Replace(layout, "%s", source, 1)))
	}
	return compiled
}

// Tokenize splits text into word, punctuation and special tokens. Whitespace runs are
// recorded as SpaceBefore on the following token; the first token never has it.
func Tokenize(text string) []Token {
	var result []Token
	cursor := 0
	for cursor < len(text) {
		hadSpace := false
		for cursor < len(text) {
			r, size := utf8.DecodeRuneInString(text[cursor:])
			if !unicode.IsSpace(r) {
				break
			}
			hadSpace = true
			cursor += size
		}
		if cursor >= len(text) {
			break
		}
		spaceBefore := hadSpace && len(result) > 0

		if value, advance, ok := matchSpecialPrefix(text[cursor:]); ok {
			if value != "" {
				result = append(result, Token{Text: value, Kind: KindSpecial, SpaceBefore: spaceBefore})
			}
			cursor += advance
			continue
		}

		r, size := utf8.DecodeRuneInString(text[cursor:])
		end := cursor + size
		if isWordRune(r) {
			for end < len(text) {
				next, nextSize := utf8.DecodeRuneInString(text[end:])
				if !isWordRune(next) {
					break
				}
				end += nextSize
			}
		}
		value := text[cursor:end]
		result = append(result, Token{Text: value, Kind: classify(value), SpaceBefore: spaceBefore})
		cursor = end
	}
	return result
}

func matchSpecialPrefix(text string) (string, int, bool) {
	for _, matcher := range specialPrefixMatchers {
		raw := matcher.FindString(text)
		if raw == "" {
			continue
		}
		value := trailingPunctuation.ReplaceAllString(raw, "")
		if value == "" {
			return "", len(raw), true
		}
		return value, len(value), true
	}
	return "", 0, false
}

// IsSpecial reports whether value, ignoring trailing punctuation, is entirely a phone
// number, an email address or a URL.
func IsSpecial(value string) bool {
	trimmed := trailingPunctuation.ReplaceAllString(value, "")
	if trimmed == "" {
		return false
	}
	for _, matcher := range specialFullMatchers {
		if matcher.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// IsPunctOnly reports whether value is non-empty and contains no letters or digits.
func IsPunctOnly(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if isAlnum(r) {
			return false
		}
	}
	return true
}

func classify(value string) Kind {
	if IsPunctOnly(value) {
		return KindPunct
	}
	return KindWord
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

func isWordRune(r rune) bool {
	return isAlnum(r) || r == '_'
}

// LineBreaks tokenizes every line on its own and returns the cumulative token count at
// each line boundary. Consecutive blank lines produce repeated counts.
func LineBreaks(text string) []int {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	breaks := make([]int, 0, len(lines)-1)
	count := 0
	for index, line := range lines {
		count += len(Tokenize(line))
		if index < len(lines)-1 {
			breaks = append(breaks, count)
		}
	}
	return breaks
}

// SplitEdited splits user-typed replacement text on whitespace only.
func SplitEdited(text string) []Token {
	var result []Token
	spaceBefore := false
	start := -1
	for index, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				value := text[start:index]
				result = append(result, Token{Text: value, Kind: classify(value), SpaceBefore: spaceBefore})
				start = -1
				spaceBefore = false
			}
			spaceBefore = true
			continue
		}
		if start < 0 {
			start = index
		}
	}
	if start >= 0 {
		value := text[start:]
		result = append(result, Token{Text: value, Kind: classify(value), SpaceBefore: spaceBefore})
	}
	return result
}

// Texts returns the literal text of every token.
func Texts(sequence []Token) []string {
	values := make([]string, 0, len(sequence))
	for _, token := range sequence {
		values = append(values, token.Text)
	}
	return values
}

// Join reassembles tokens into text, re-inserting a newline after the visible token
// positions listed in breaks.
func Join(sequence []Token, breaks []int) string {
	breakCounts := make(map[int]int, len(breaks))
	for _, position := range breaks {
		breakCounts[position]++
	}
	var builder strings.Builder
	builder.WriteString(strings.Repeat("\n", breakCounts[0]))
	visible := 0
	atLineStart := true
	for _, token := range sequence {
		if token.Text == "" {
			continue
		}
		if !atLineStart && token.SpaceBefore {
			builder.WriteByte(' ')
		}
		builder.WriteString(token.Text)
		visible++
		if count := breakCounts[visible]; count > 0 {
			builder.WriteString(strings.Repeat("\n", count))
			atLineStart = true
		} else {
			atLineStart = false
		}
	}
	return builder.String()
}
