// Package chunker splits note text into overlapping windows for embedding.
//
// Sizes are measured in characters (Unicode code points). Each window prefers
// to end right after a separator; the next window starts with the last
// overlap characters of the previous one, so joining the chunks and dropping
// the repeated prefixes gives back the original text.
package chunker

import (
	"strings"
)

const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200
	DefaultSeparator = "\n"
)

// Chunker splits text into windows of at most chunkSize characters.
type Chunker struct {
	chunkSize int
	overlap   int
	separator []rune
}

type Option func(*Chunker)

// WithChunkSize sets the maximum chunk length. Non-positive values are ignored.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithOverlap sets how many characters consecutive chunks share.
// Negative values are ignored.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// WithSeparator sets the preferred split point. An empty separator turns
// chunking into plain fixed-size windows.
func WithSeparator(sep string) Option {
	return func(c *Chunker) {
		c.separator = []rune(sep)
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultOverlap,
		separator: []rune(DefaultSeparator),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	return c
}

func (c *Chunker) ChunkSize() int { return c.chunkSize }

func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the chunks of text in source order. Empty text yields nil.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	chunks := make([]string, 0, n/(c.chunkSize-c.overlap)+1)
	start := 0
	for {
		end := start + c.chunkSize
		if end >= n {
			chunks = append(chunks, string(runes[start:]))
			return chunks
		}
		if cut := c.lastSeparator(runes[start:end]); cut > c.overlap {
			end = start + cut
		}
		chunks = append(chunks, string(runes[start:end]))
		start = end - c.overlap
	}
}

// lastSeparator returns the offset just past the last separator in window,
// or 0 when there is none.
func (c *Chunker) lastSeparator(window []rune) int {
	if len(c.separator) == 0 {
		return 0
	}
	idx := strings.LastIndex(string(window), string(c.separator))
	if idx < 0 {
		return 0
	}
	// idx is a byte offset; convert back to runes.
	return len([]rune(string(window)[:idx])) + len(c.separator)
}

// Split is a convenience wrapper around New(opts...).Split(text).
func Split(text string, chunkSize, overlap int) []string {
	return New(WithChunkSize(chunkSize), WithOverlap(overlap)).Split(text)
}
