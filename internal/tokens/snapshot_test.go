package tokens

import (
	"reflect"
	"testing"
)

func TestFromSnapshotRecoversSpacingAndKinds(t *testing.T) {
	source := "Mail me:  a@b.io,  ok"
	snapshot := []string{"Mail", "me", ":", "a@b.io", ",", "ok"}

	got := FromSnapshot(snapshot, source)
	want := []Token{
		{Text: "Mail", Kind: KindWord, SpaceBefore: false},
		{Text: "me", Kind: KindWord, SpaceBefore: true},
		{Text: ":", Kind: KindPunct, SpaceBefore: false},
		{Text: "a@b.io", Kind: KindSpecial, SpaceBefore: true},
		{Text: ",", Kind: KindPunct, SpaceBefore: false},
		{Text: "ok", Kind: KindWord, SpaceBefore: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected tokens:\n got %#v\nwant %#v", got, want)
	}
}

func TestFromSnapshotKeepsCursorForMissingText(t *testing.T) {
	got := FromSnapshot([]string{"alpha", "missing", "beta"}, "alpha beta")
	if len(got) != 3 {
		t.Fatalf("expected three tokens, got %d", len(got))
	}
	if !got[1].SpaceBefore {
		t.Fatalf("expected unmatched token to absorb the preceding space: %#v", got[1])
	}
	if got[2].Text != "beta" || got[2].SpaceBefore {
		t.Fatalf("unexpected trailing token: %#v", got[2])
	}
}

func TestFromSnapshotMatchesLiveTokenizationForWhitespaceSplit(t *testing.T) {
	source := "hello world"
	got := FromSnapshot([]string{"hello", "world"}, source)
	if !reflect.DeepEqual(got, Tokenize(source)) {
		t.Fatalf("expected snapshot tokens to match tokenizer: %#v", got)
	}
}

func TestHashesAreStable(t *testing.T) {
	if HashText("hello world") != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Fatalf("unexpected text hash %s", HashText("hello world"))
	}
	if HashTokens([]string{"a", "b"}) != HashText("a␟b") {
		t.Fatalf("expected token hash to join with the unit separator symbol")
	}
	if HashTokens([]string{"ab"}) == HashTokens([]string{"a", "b"}) {
		t.Fatalf("expected token boundaries to affect the hash")
	}
}
