package protocol

import (
	"reflect"
	"testing"
)

// FuzzDeserialize mirrors the teacher's habit of fuzzing a single parse
// entry point (client_fuzz_test.go, directory_fuzz_test.go): Deserialize
// must never panic on arbitrary input, and anything it accepts must survive
// a second Serialize/Deserialize round trip unchanged.
func FuzzDeserialize(f *testing.F) {
	seeds := []string{
		"",
		"ac=send",
		"ac=file;fid=a;n=aGVsbG8=",
		"ac=data;d=aGVsbG8=;;;",
		"ac=invalid",
		"zip=none;ac=finish",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, raw string) {
		cmd, err := Deserialize(raw)
		if err != nil {
			return
		}
		wire := Serialize(cmd, false)
		again, err := Deserialize(wire)
		if err != nil {
			t.Fatalf("accepted command failed to re-parse its own serialization: %v (wire=%q)", err, wire)
		}
		if !reflect.DeepEqual(again, cmd) {
			t.Fatalf("re-parse mismatch: %+v vs %+v (wire=%q)", again, cmd, wire)
		}
	})
}
