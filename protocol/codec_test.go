package protocol

import (
	"reflect"
	"testing"
)

func TestSerializeDefaultElision(t *testing.T) {
	cmd := NewCommand(ActionFinish)
	cmd.ID = ""
	got := Serialize(cmd, false)
	want := "ac=finish"
	if got != want {
		t.Fatalf("Serialize(%+v) = %q, want %q", cmd, got, want)
	}
}

func TestSerializeOSCPrefix(t *testing.T) {
	cmd := NewCommand(ActionFinish)
	got := Serialize(cmd, true)
	want := "5113;ac=finish"
	if got != want {
		t.Fatalf("Serialize with prefix = %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Command{
		NewCommand(ActionFinish),
		func() Command {
			c := NewCommand(ActionFile)
			c.ID = "sess;1"
			c.FileID = "f1"
			c.Name = "/tmp/a;b.txt"
			c.Mtime = 123456789
			c.Permissions = 0o644
			c.Size = 42
			c.FType = FileTypeSymlink
			c.TType = TransmissionRsync
			c.Compression = CompressionZlib
			return c
		}(),
		func() Command {
			c := NewCommand(ActionData)
			c.Data = []byte("hello world")
			c.Quiet = QuietErrorsOnly
			return c
		}(),
	}

	for i, c := range cases {
		wire := Serialize(c, false)
		got, err := Deserialize(wire)
		if err != nil {
			t.Fatalf("case %d: Deserialize(%q) error: %v", i, wire, err)
		}
		if !reflect.DeepEqual(got, c) {
			t.Fatalf("case %d: round trip mismatch:\n got  %+v\n want %+v\n wire %q", i, got, c, wire)
		}
	}
}

func TestSerializeEscapesSemicolons(t *testing.T) {
	c := NewCommand(ActionSend)
	c.ID = "a;b;;c"
	wire := Serialize(c, false)
	got, err := Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize error: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("ID round trip = %q, want %q (wire=%q)", got.ID, c.ID, wire)
	}
}

func TestDeserializeUnknownKeyIgnored(t *testing.T) {
	got, err := Deserialize("ac=send;bogus=1;id=7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != ActionSend || got.ID != "7" {
		t.Fatalf("got %+v", got)
	}
}

func TestDeserializeMissingActionRejected(t *testing.T) {
	if _, err := Deserialize("id=1"); err == nil {
		t.Fatal("expected error for missing action")
	}
}

func TestDeserializeInvalidActionRejected(t *testing.T) {
	if _, err := Deserialize("ac=invalid"); err == nil {
		t.Fatal("expected error for ac=invalid")
	}
}

func TestDeserializeBadBase64(t *testing.T) {
	if _, err := Deserialize("ac=file;n=not-valid-base64!!!"); err == nil {
		t.Fatal("expected error for malformed base64")
	}
}

func TestEncodeBypass(t *testing.T) {
	// The sha256 token itself is built by engine's encodeBypass and used in
	// engine's TestBypassAcceptsWithoutPrompt; protocol only owns the wire
	// shape.
	c := NewCommand(ActionSend)
	c.Bypass = "sha256:deadbeef"
	wire := Serialize(c, false)
	got, err := Deserialize(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Bypass != c.Bypass {
		t.Fatalf("bypass round trip = %q, want %q", got.Bypass, c.Bypass)
	}
}

func TestFormatStatus(t *testing.T) {
	if got := FormatStatus(StatusOK, ""); got != "OK" {
		t.Fatalf("got %q", got)
	}
	if got := FormatStatus(StatusEnoent, "no such file"); got != "ENOENT:no such file" {
		t.Fatalf("got %q", got)
	}
}
