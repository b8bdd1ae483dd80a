package genstream

import (
	"strings"
	"testing"
)

func runFilter(chunks []string) string {
	var f OptionBlockFilter
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(f.Accept(c))
	}
	out.WriteString(f.FlushRemainder())
	return out.String()
}

func TestFilterHidesBlockAtEverySplitPoint(t *testing.T) {
	full := "before<OPTIONS_JSON>{\"options\":[\"a\",\"b\",\"c\"]}</OPTIONS_JSON>after"
	const want = "beforeafter"
	for i := 0; i <= len(full); i++ {
		got := runFilter([]string{full[:i], full[i:]})
		if got != want {
			t.Fatalf("split at %d: got %q, want %q", i, got, want)
		}
	}
}

func TestFilterBytewise(t *testing.T) {
	full := "hi <OPTIONS_JSON>{}</OPTIONS_JSON> bye"
	chunks := make([]string, 0, len(full))
	for i := range full {
		chunks = append(chunks, full[i:i+1])
	}
	if got := runFilter(chunks); got != "hi  bye" {
		t.Fatalf("got %q, want %q", got, "hi  bye")
	}
}

func TestFilterPassthrough(t *testing.T) {
	if got := runFilter([]string{"plain ", "text, no ", "markers"}); got != "plain text, no markers" {
		t.Fatalf("got %q", got)
	}
}

func TestFilterUnterminatedBlockDiscarded(t *testing.T) {
	got := runFilter([]string{"visible<OPTIONS_JSON>{\"options\":[\"never"})
	if got != "visible" {
		t.Fatalf("got %q, want %q", got, "visible")
	}
}

func TestFilterPartialMarkerAtEndIsFlushed(t *testing.T) {
	// A tail that merely resembles a marker prefix must still come out.
	got := runFilter([]string{"text <OPTIONS"})
	if got != "text <OPTIONS" {
		t.Fatalf("got %q, want %q", got, "text <OPTIONS")
	}
}

func TestFilterRepeatedBlocks(t *testing.T) {
	got := runFilter([]string{
		"a<OPTIONS_JSON>x</OPTIONS_JSON>",
		"b<OPTIONS_JSON>y</OPTIONS_JSON>c",
	})
	if got != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}
}

func TestFilterMarkerLikeTextStaysVisible(t *testing.T) {
	got := runFilter([]string{"angle <OPTIONS_JSO", "X> brackets"})
	if got != "angle <OPTIONS_JSOX> brackets" {
		t.Fatalf("got %q", got)
	}
}
