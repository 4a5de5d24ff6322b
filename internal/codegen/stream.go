package codegen

import (
	"fmt"
	"strings"
)

const indentWidth = 4

// Stream accumulates generated source text, indenting every line to the
// current brace depth.
type Stream struct {
	b         strings.Builder
	depth     int
	lineStart bool
}

func NewStream() *Stream {
	return &Stream{lineStart: true}
}

// Printf writes formatted text without a trailing newline.
func (s *Stream) Printf(format string, args ...any) {
	s.write(fmt.Sprintf(format, args...))
}

// Line writes formatted text followed by a newline.
func (s *Stream) Line(format string, args ...any) {
	s.write(fmt.Sprintf(format, args...))
	s.write("\n")
}

// Raw writes text verbatim, re-indenting embedded lines.
func (s *Stream) Raw(text string) {
	s.write(text)
}

func (s *Stream) Blank() {
	s.write("\n")
}

// Open writes header followed by an opening brace and increases the depth.
func (s *Stream) Open(header string) {
	if header != "" {
		s.write(header)
		s.write(" ")
	}
	s.write("{\n")
	s.depth++
}

// Close decreases the depth and writes a closing brace.
func (s *Stream) Close() {
	if s.depth > 0 {
		s.depth--
	}
	if !s.lineStart {
		s.write("\n")
	}
	s.write("}\n")
}

// Block emits header { body }.
func (s *Stream) Block(header string, body func()) {
	s.Open(header)
	body()
	s.Close()
}

// Scope is Block for bodies that can fail. The closing brace is always
// written so partially built output stays balanced.
func (s *Stream) Scope(header string, body func() error) error {
	s.Open(header)
	err := body()
	s.Close()
	return err
}

func (s *Stream) Depth() int { return s.depth }

func (s *Stream) String() string { return s.b.String() }

func (s *Stream) Len() int { return s.b.Len() }

func (s *Stream) write(text string) {
	for text != "" {
		nl := strings.IndexByte(text, '\n')
		var chunk string
		if nl < 0 {
			chunk, text = text, ""
		} else {
			chunk, text = text[:nl+1], text[nl+1:]
		}
		if s.lineStart && chunk != "\n" {
			s.b.WriteString(strings.Repeat(" ", s.depth*indentWidth))
		}
		s.b.WriteString(chunk)
		s.lineStart = strings.HasSuffix(chunk, "\n")
	}
}
