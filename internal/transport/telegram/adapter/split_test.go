package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{"short", "hello", 10, "", []string{"hello"}},
		{"hard cut", "abcdefghij", 4, "", []string{"abcd", "efgh", "ij"}},
		{"prefers newline", "aaaa\nbbbbbb", 8, "", []string{"aaaa", "bbbbbb"}},
		{"ignores tiny newline chunk", "a\nbbbbbbbbbb", 9, "", []string{"a\nbbbbbbb", "bbb"}},
		{"html tag kept whole", "abcdef<b>x</b>", 8, "HTML", []string{"abcdef", "<b>x</b>"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SplitText(tc.in, tc.limit, tc.parseMode)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestSplitTextRunes(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("é", TextLimit+10)
	got := SplitText(in, 0, "")
	if len(got) != 2 {
		t.Fatalf("chunks=%d", len(got))
	}
	if n := utf8.RuneCountInString(got[0]); n != TextLimit {
		t.Fatalf("first chunk has %d runes", n)
	}
}
