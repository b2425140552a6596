package sse

import (
	"strings"
	"testing"
)

func collect(t *testing.T, input string) []Line {
	t.Helper()
	r := New(strings.NewReader(input))
	var lines []Line
	for {
		l, ok := r.Next()
		if !ok {
			break
		}
		lines = append(lines, l)
	}
	return lines
}

func TestDataLinesUnwrapped(t *testing.T) {
	lines := collect(t, "data: hello\ndata: world\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !lines[0].IsData || lines[0].Payload != "hello" {
		t.Fatalf("unexpected first line: %+v", lines[0])
	}
	if !lines[1].IsData || lines[1].Payload != "world" {
		t.Fatalf("unexpected second line: %+v", lines[1])
	}
}

func TestEmptyAndCommentLinesSkipped(t *testing.T) {
	lines := collect(t, "\n: keep-alive\n\ndata: x\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0].Payload != "x" {
		t.Fatalf("unexpected payload: %q", lines[0].Payload)
	}
}

func TestNonDataLinesYieldedVerbatim(t *testing.T) {
	lines := collect(t, `{"done":true,"eval_count":5}`+"\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0].IsData {
		t.Fatal("expected a raw JSON line to not be treated as a data: line")
	}
	if lines[0].Payload != `{"done":true,"eval_count":5}` {
		t.Fatalf("unexpected payload: %q", lines[0].Payload)
	}
}

func TestTrailingCRStripped(t *testing.T) {
	lines := collect(t, "data: hi\r\n")
	if len(lines) != 1 || lines[0].Payload != "hi" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestPendingTrailingLineDrainedAtEOF(t *testing.T) {
	lines := collect(t, "data: no-trailing-newline")
	if len(lines) != 1 || lines[0].Payload != "no-trailing-newline" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestInvalidUTF8Replaced(t *testing.T) {
	input := "data: \xff\xfe bad\n"
	lines := collect(t, input)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if strings.Contains(lines[0].Payload, "\xff") {
		t.Fatalf("expected invalid bytes to be replaced, got %q", lines[0].Payload)
	}
}
