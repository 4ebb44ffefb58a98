package ingest

import (
	"strings"
	"testing"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = "w"
	}
	return strings.Join(w, " ")
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []int // words per chunk
	}{
		{"empty", "", 10, 2, nil},
		{"short", words(5), 10, 2, []int{5}},
		{"exact", words(10), 10, 2, []int{10}},
		{"windows", words(25), 10, 2, []int{10, 10, 9}},
		{"no overlap", words(20), 10, 0, []int{10, 10}},
		{"overlap too large", words(20), 10, 10, []int{10, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.text, tt.size, tt.overlap)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d: %q", len(got), len(tt.want), got)
			}
			for i, c := range got {
				if n := len(strings.Fields(c)); n != tt.want[i] {
					t.Errorf("chunk %d has %d words, want %d", i, n, tt.want[i])
				}
			}
		})
	}
}

func TestChunk_OverlapCarriesWords(t *testing.T) {
	got := Chunk("a b c d e f g", 4, 1)
	want := []string{"a b c d", "d e f g"}
	if len(got) != len(want) {
		t.Fatalf("Chunk = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}
