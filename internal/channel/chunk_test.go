package channel

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkShortContentUnchanged(t *testing.T) {
	got := Chunk("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestChunkPrefersNewlineBoundary(t *testing.T) {
	content := "first line\nsecond line that continues"
	got := Chunk(content, 15)
	if got[0] != "first line" {
		t.Errorf("chunk[0] = %q, want split at newline", got[0])
	}
}

func TestChunkNeverSplitsMultibyte(t *testing.T) {
	// 100 four-byte runes, limit forces several cuts.
	content := strings.Repeat("\U0001F600", 100)
	for _, c := range Chunk(content, 33) {
		if !utf8.ValidString(c) {
			t.Fatalf("invalid UTF-8 in chunk %q", c)
		}
	}
}

func TestChunkRespectsRuneLimit(t *testing.T) {
	content := strings.Repeat("word ", 200)
	for i, c := range Chunk(content, 50) {
		if n := utf8.RuneCountInString(c); n > 50 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
	}
}

func TestChunkReassemblesAllWords(t *testing.T) {
	content := strings.Repeat("alpha beta gamma ", 40)
	joined := strings.Join(Chunk(content, 64), " ")
	if strings.ReplaceAll(joined, " ", "") != strings.ReplaceAll(content, " ", "") {
		t.Error("chunking lost content")
	}
}

func TestSplitSessionKey(t *testing.T) {
	tests := []struct {
		key     string
		channel string
		id      string
		ok      bool
	}{
		{"telegram:123", "telegram", "123", true},
		{"discord:guild:42", "discord", "guild:42", true},
		{"nocolon", "", "", false},
		{":leading", "", "", false},
		{"trailing:", "", "", false},
	}
	for _, tt := range tests {
		ch, id, ok := SplitSessionKey(tt.key)
		if ch != tt.channel || id != tt.id || ok != tt.ok {
			t.Errorf("SplitSessionKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.key, ch, id, ok, tt.channel, tt.id, tt.ok)
		}
	}
}

func TestIsCommand(t *testing.T) {
	registered := func(name string) bool { return name == "new" || name == "status" }

	tests := []struct {
		content string
		want    bool
	}{
		{"/new", true},
		{"/NEW", true},
		{"/status now", true},
		{"/unknown", false},
		{"new", false},
		{"/", false},
		{"hello /new", false},
	}
	for _, tt := range tests {
		if got := IsCommand(tt.content, registered); got != tt.want {
			t.Errorf("IsCommand(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}
