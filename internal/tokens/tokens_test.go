package tokens

import (
	"reflect"
	"testing"
)

func TestTokenizeSplitsWordsAndPunctuation(t *testing.T) {
	got := Tokenize("Hello, world!")
	want := []Token{
		{Text: "Hello", Kind: KindWord, SpaceBefore: false},
		{Text: ",", Kind: KindPunct, SpaceBefore: false},
		{Text: "world", Kind: KindWord, SpaceBefore: true},
		{Text: "!", Kind: KindPunct, SpaceBefore: false},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected tokens: %#v", got)
	}
}

func TestTokenizeEmptyInput(t *testing.T) {
	if got := Tokenize(""); len(got) != 0 {
		t.Fatalf("expected no tokens, got %#v", got)
	}
	if got := Tokenize("   \n\t"); len(got) != 0 {
		t.Fatalf("expected no tokens for whitespace, got %#v", got)
	}
}

func TestTokenizeFirstTokenHasNoLeadingSpace(t *testing.T) {
	got := Tokenize("   leading")
	if len(got) != 1 || got[0].SpaceBefore {
		t.Fatalf("unexpected tokens: %#v", got)
	}
}

func TestTokenizeRecognizesSpecialTokens(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  []string
		kinds []Kind
	}{
		{
			name:  "email with trailing period",
			input: "Write to info@example.com.",
			want:  []string{"Write", "to", "info@example.com", "."},
			kinds: []Kind{KindWord, KindWord, KindSpecial, KindPunct},
		},
		{
			name:  "url",
			input: "see https://example.org/path?q=1!",
			want:  []string{"see", "https://example.org/path?q=1", "!"},
			kinds: []Kind{KindWord, KindSpecial, KindPunct},
		},
		{
			name:  "www url",
			input: "www.example.com, then",
			want:  []string{"www.example.com", ",", "then"},
			kinds: []Kind{KindSpecial, KindPunct, KindWord},
		},
		{
			name:  "phone",
			input: "call +7 (999) 123-45-67 now",
			want:  []string{"call", "+7 (999) 123-45-67", "now"},
			kinds: []Kind{KindWord, KindSpecial, KindWord},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := Tokenize(testCase.input)
			if !reflect.DeepEqual(Texts(got), testCase.want) {
				t.Fatalf("unexpected texts: %#v", Texts(got))
			}
			for index, token := range got {
				if token.Kind != testCase.kinds[index] {
					t.Fatalf("token %d (%q): expected kind %s, got %s", index, token.Text, testCase.kinds[index], token.Kind)
				}
			}
		})
	}
}

func TestTokenizeHandlesCyrillicWords(t *testing.T) {
	got := Tokenize("Сәлам, дөнья")
	if !reflect.DeepEqual(Texts(got), []string{"Сәлам", ",", "дөнья"}) {
		t.Fatalf("unexpected texts: %#v", Texts(got))
	}
	if got[0].Kind != KindWord || got[2].Kind != KindWord {
		t.Fatalf("expected word kinds, got %#v", got)
	}
}

func TestTokenizeUnderscoreRunIsPunct(t *testing.T) {
	got := Tokenize("a ___ b")
	if len(got) != 3 || got[1].Kind != KindPunct {
		t.Fatalf("unexpected tokens: %#v", got)
	}
}

func TestLineBreaksCountsTokensPerLine(t *testing.T) {
	got := LineBreaks("one two\nthree\n\nfour")
	want := []int{2, 3, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if breaks := LineBreaks("single line"); len(breaks) != 0 {
		t.Fatalf("expected no breaks, got %v", breaks)
	}
}

func TestJoinRestoresLineBreaks(t *testing.T) {
	source := "one two\nthree\n\nfour, five"
	got := Join(Tokenize(source), LineBreaks(source))
	if got != source {
		t.Fatalf("expected %q, got %q", source, got)
	}
}

func TestJoinKeepsLeadingBlankLines(t *testing.T) {
	source := "\n\nhello world"
	if got := Join(Tokenize(source), LineBreaks(source)); got != source {
		t.Fatalf("expected %q, got %q", source, got)
	}
}

func TestJoinNormalizesWhitespace(t *testing.T) {
	source := "  hello   world  "
	if got := Join(Tokenize(source), LineBreaks(source)); got != "hello world" {
		t.Fatalf("unexpected join: %q", got)
	}
}

func TestSplitEditedKeepsWhitespaceFlags(t *testing.T) {
	got := SplitEdited(" hi , there")
	want := []Token{
		{Text: "hi", Kind: KindWord, SpaceBefore: true},
		{Text: ",", Kind: KindPunct, SpaceBefore: true},
		{Text: "there", Kind: KindWord, SpaceBefore: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected tokens: %#v", got)
	}
	if got := SplitEdited(""); len(got) != 0 {
		t.Fatalf("expected no tokens, got %#v", got)
	}
}
