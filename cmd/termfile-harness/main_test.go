package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestStdoutWriterAppendsNewlinePerFrame(t *testing.T) {
	var buf bytes.Buffer
	w := &stdoutWriter{out: bufio.NewWriter(&buf)}

	if !w.WriteSerialized("frame-one") {
		t.Fatal("expected write to succeed")
	}
	if !w.WriteSerialized("frame-two") {
		t.Fatal("expected write to succeed")
	}
	w.out.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 || lines[0] != "frame-one" || lines[1] != "frame-two" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNewIDCmdPrintsAParseableUUID(t *testing.T) {
	var out bytes.Buffer
	cmd := newIDCmd()
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := uuid.Parse(strings.TrimSpace(out.String())); err != nil {
		t.Fatalf("expected a parseable uuid, got %q: %v", out.String(), err)
	}
}
