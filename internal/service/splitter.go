package service

import (
	"strings"
	"unicode/utf8"
)

// Default chunking parameters for CV text.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 150
)

// Splitter cuts extracted text into overlapping chunks for embedding.
// It splits recursively on progressively finer separators (paragraph,
// line, word) and greedily merges the pieces back into chunks of at most
// ChunkSize characters with ChunkOverlap characters carried between
// neighbouring chunks.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int

	separators []string
}

// NewSplitter creates a splitter. Non-positive arguments fall back to the
// defaults; an overlap >= size is clamped to size/2.
func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = DefaultChunkOverlap
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 2
	}
	return &Splitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		separators:   []string{"\n\n", "\n", " ", ""},
	}
}

// Split returns the chunks of text. Whitespace-only pieces are discarded;
// the result is empty for blank input.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.splitText(text, s.separators)
}

func (s *Splitter) splitText(text string, separators []string) []string {
	// Pick the coarsest separator present in the text.
	separator := separators[len(separators)-1]
	rest := separators
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			rest = nil
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var splits []string
	if separator == "" {
		splits = hardSplit(text, s.ChunkSize)
	} else {
		splits = strings.Split(text, separator)
	}

	var chunks []string
	var pending []string
	for _, piece := range splits {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		if len(piece) <= s.ChunkSize {
			pending = append(pending, piece)
			continue
		}
		// Piece too large for one chunk: flush what we have, then recurse
		// with the finer separators.
		chunks = append(chunks, s.merge(pending, separator)...)
		pending = nil
		if len(rest) > 0 {
			chunks = append(chunks, s.splitText(piece, rest)...)
		} else {
			chunks = append(chunks, hardSplit(piece, s.ChunkSize)...)
		}
	}
	chunks = append(chunks, s.merge(pending, separator)...)
	return chunks
}

// merge greedily joins pieces into chunks of at most ChunkSize, keeping
// ChunkOverlap trailing characters' worth of pieces between chunks.
func (s *Splitter) merge(pieces []string, separator string) []string {
	if len(pieces) == 0 {
		return nil
	}

	sepLen := len(separator)
	var chunks []string
	var current []string
	total := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunk := strings.TrimSpace(strings.Join(current, separator))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		// Drop leading pieces until the remainder fits in the overlap
		// window; they seed the next chunk.
		for total > s.ChunkOverlap && len(current) > 1 {
			total -= len(current[0]) + sepLen
			current = current[1:]
		}
		if s.ChunkOverlap == 0 {
			current = nil
			total = 0
		}
	}

	for _, piece := range pieces {
		pieceLen := len(piece)
		if total > 0 && total+sepLen+pieceLen > s.ChunkSize {
			flush()
		}
		if total > 0 {
			total += sepLen
		}
		current = append(current, piece)
		total += pieceLen
	}
	if len(current) > 0 {
		chunk := strings.TrimSpace(strings.Join(current, separator))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// hardSplit cuts text into fixed-size windows as a last resort when no
// separator is available. Cuts land on rune boundaries so multibyte text is
// never broken into invalid UTF-8.
func hardSplit(text string, size int) []string {
	if size <= 0 || text == "" {
		return nil
	}
	var out []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			// A single rune wider than the window; emit it whole.
			_, cut = utf8.DecodeRuneInString(text)
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
