package service

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitterEmptyInput(t *testing.T) {
	s := NewSplitter(100, 20)
	if got := s.Split(""); got != nil {
		t.Errorf("Split(\"\") = %v, want nil", got)
	}
	if got := s.Split("   \n\n  "); got != nil {
		t.Errorf("Split(whitespace) = %v, want nil", got)
	}
}

func TestSplitterShortTextSingleChunk(t *testing.T) {
	s := NewSplitter(100, 20)
	chunks := s.Split("A short CV paragraph.")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0] != "A short CV paragraph." {
		t.Errorf("chunk = %q", chunks[0])
	}
}

func TestSplitterRespectsChunkSize(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("experience with distributed systems and message queues ")
	}
	s := NewSplitter(200, 40)

	chunks := s.Split(b.String())
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 200 {
			t.Errorf("chunk %d has length %d, exceeds 200", i, len(c))
		}
		if strings.TrimSpace(c) == "" {
			t.Errorf("chunk %d is blank", i)
		}
	}
}

func TestSplitterOverlapCarriesText(t *testing.T) {
	words := make([]string, 40)
	for i := range words {
		words[i] = strings.Repeat(string(rune('a'+i%26)), 8)
	}
	text := strings.Join(words, " ")
	s := NewSplitter(100, 30)

	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prevWords := strings.Fields(chunks[i-1])
		tail := prevWords[len(prevWords)-1]
		if !strings.Contains(chunks[i], tail) {
			t.Errorf("chunk %d does not carry overlap from chunk %d", i, i-1)
		}
	}
}

func TestSplitterPrefersParagraphBoundaries(t *testing.T) {
	text := "First paragraph about education.\n\nSecond paragraph about work history."
	s := NewSplitter(40, 0)

	chunks := s.Split(text)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %v", len(chunks), chunks)
	}
	if !strings.HasPrefix(chunks[0], "First paragraph") {
		t.Errorf("chunk 0 = %q", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "Second paragraph") {
		t.Errorf("chunk 1 = %q", chunks[1])
	}
}

func TestSplitterHardSplitsUnbrokenText(t *testing.T) {
	text := strings.Repeat("x", 250)
	s := NewSplitter(100, 0)

	chunks := s.Split(text)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d has length %d", i, len(c))
		}
		total += len(c)
	}
	if total != 250 {
		t.Errorf("total length %d, want 250", total)
	}
}

func TestSplitterHardSplitKeepsRunesIntact(t *testing.T) {
	// An unbroken run of multibyte characters; a byte-indexed cut would
	// land mid-rune and produce invalid UTF-8 on both sides.
	text := strings.Repeat("履歴書", 100)
	s := NewSplitter(100, 0)

	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	var rebuilt strings.Builder
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8: %q", i, c)
		}
		if len(c) > 100 {
			t.Errorf("chunk %d has length %d, exceeds 100", i, len(c))
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != text {
		t.Error("hard split lost or corrupted text")
	}
}

func TestHardSplitWideWindowFallback(t *testing.T) {
	// Window narrower than a single rune: each rune is still emitted whole.
	chunks := hardSplit("日本語", 1)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %v", len(chunks), chunks)
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) || utf8.RuneCountInString(c) != 1 {
			t.Errorf("chunk %d = %q, want a single whole rune", i, c)
		}
	}
}

func TestNewSplitterClampsOverlap(t *testing.T) {
	s := NewSplitter(100, 100)
	if s.ChunkOverlap >= s.ChunkSize {
		t.Errorf("overlap %d not clamped below size %d", s.ChunkOverlap, s.ChunkSize)
	}
}
