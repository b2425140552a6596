// Package sse reassembles a raw byte stream into complete SSE lines per
// §4.9: invalid UTF-8 is replaced rather than dropped, comment/empty lines
// are swallowed, "data: " lines are unwrapped, and any other non-empty line
// is yielded verbatim so raw-JSON-per-line dialects (ollama) work too.
package sse

import (
	"bufio"
	"io"
	"strings"
	"unicode/utf8"
)

const dataPrefix = "data: "

// Reassembler wraps an io.Reader and yields complete logical lines.
type Reassembler struct {
	scanner *bufio.Scanner
	pending string
	done    bool
}

// New wraps r, ready to yield lines via Next.
func New(r io.Reader) *Reassembler {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), 64*1024)
	return &Reassembler{scanner: s}
}

// Line is one yielded logical line: either a "data:" payload (with the
// prefix stripped) or a verbatim non-"data:" line.
type Line struct {
	Payload string
	IsData  bool
}

// Next returns the next meaningful line, skipping empty lines and SSE
// comments (lines beginning with ":"). It returns ok=false once the
// underlying stream is exhausted and any pending trailing line has been
// drained.
func (r *Reassembler) Next() (Line, bool) {
	for r.scanner.Scan() {
		raw := r.scanner.Text()
		raw = sanitizeUTF8(raw)
		raw = strings.TrimSuffix(raw, "\r")
		if raw == "" || strings.HasPrefix(raw, ":") {
			continue
		}
		if strings.HasPrefix(raw, dataPrefix) {
			return Line{Payload: strings.TrimPrefix(raw, dataPrefix), IsData: true}, true
		}
		return Line{Payload: raw}, true
	}
	return Line{}, false
}

// sanitizeUTF8 replaces invalid byte sequences with the Unicode
// replacement character rather than silently dropping them.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
