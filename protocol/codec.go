package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// OSCCommandCode is the reserved OSC numeric prefix file-transmission frames
// are tunneled under. The host prepends `OSCCommandCode;` to whatever
// Serialize(cmd, false) returns before writing the escape sequence; engine
// callers normally just pass withOSCPrefix=true and let Serialize do it.
const OSCCommandCode = 5113

type fieldKind int

const (
	kindEnum fieldKind = iota
	kindEscapedString
	kindBase64String
	kindInt
	kindBytes
)

type fieldSpec struct {
	short string
	kind  fieldKind
	// isDefault reports whether cmd's value for this field equals the wire
	// default (and should therefore be elided from the serialized form).
	isDefault func(c *Command) bool
	serialize func(c *Command) string
	// apply parses value into the Command; returns an error for malformed
	// encodings (callers translate that into EINVAL per spec §4.1).
	apply func(c *Command, value string) error
}

// fieldOrder is the fixed declaration order serialization walks, matching
// spec.md §3's field table top to bottom. Action is always emitted.
var fieldOrder = []string{
	"ac", "zip", "ft", "tt", "id", "fid", "pw", "q",
	"mod", "prm", "sz", "n", "st", "pr", "d",
}

var fieldsByShort = map[string]fieldSpec{
	"ac": {
		short: "ac", kind: kindEnum,
		isDefault: func(c *Command) bool { return false }, // action is never elided
		serialize: func(c *Command) string { return c.Action.String() },
		apply: func(c *Command, v string) error {
			a, ok := actionsByName[v]
			if !ok {
				return fmt.Errorf("%w: unknown action %q", ErrInvalid, v)
			}
			c.Action = a
			return nil
		},
	},
	"zip": {
		short: "zip", kind: kindEnum,
		isDefault: func(c *Command) bool { return c.Compression == CompressionNone },
		serialize: func(c *Command) string { return c.Compression.String() },
		apply: func(c *Command, v string) error {
			comp, ok := compressionsByName[v]
			if !ok {
				return fmt.Errorf("%w: unknown compression %q", ErrInvalid, v)
			}
			c.Compression = comp
			return nil
		},
	},
	"ft": {
		short: "ft", kind: kindEnum,
		isDefault: func(c *Command) bool { return c.FType == FileTypeRegular },
		serialize: func(c *Command) string { return c.FType.String() },
		apply: func(c *Command, v string) error {
			ft, ok := fileTypesByName[v]
			if !ok {
				return fmt.Errorf("%w: unknown ftype %q", ErrInvalid, v)
			}
			c.FType = ft
			return nil
		},
	},
	"tt": {
		short: "tt", kind: kindEnum,
		isDefault: func(c *Command) bool { return c.TType == TransmissionSimple },
		serialize: func(c *Command) string { return c.TType.String() },
		apply: func(c *Command, v string) error {
			tt, ok := ttypesByName[v]
			if !ok {
				return fmt.Errorf("%w: unknown ttype %q", ErrInvalid, v)
			}
			c.TType = tt
			return nil
		},
	},
	"id": {
		short: "id", kind: kindEscapedString,
		isDefault: func(c *Command) bool { return c.ID == "" },
		serialize: func(c *Command) string { return sanitizeAndEscape(c.ID) },
		apply:     func(c *Command, v string) error { c.ID = v; return nil },
	},
	"fid": {
		short: "fid", kind: kindEscapedString,
		isDefault: func(c *Command) bool { return c.FileID == "" },
		serialize: func(c *Command) string { return sanitizeAndEscape(c.FileID) },
		apply:     func(c *Command, v string) error { c.FileID = v; return nil },
	},
	"pw": {
		short: "pw", kind: kindBase64String,
		isDefault: func(c *Command) bool { return c.Bypass == "" },
		serialize: func(c *Command) string { return encodeBase64String(c.Bypass) },
		apply: func(c *Command, v string) error {
			s, err := decodeBase64String(v)
			if err != nil {
				return err
			}
			c.Bypass = s
			return nil
		},
	},
	"q": {
		short: "q", kind: kindInt,
		isDefault: func(c *Command) bool { return c.Quiet == QuietAckAndErrors },
		serialize: func(c *Command) string { return strconv.Itoa(int(c.Quiet)) },
		apply: func(c *Command, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: bad quiet level %q", ErrInvalid, v)
			}
			c.Quiet = QuietLevel(n)
			return nil
		},
	},
	"mod": {
		short: "mod", kind: kindInt,
		isDefault: func(c *Command) bool { return c.Mtime == -1 },
		serialize: func(c *Command) string { return strconv.FormatInt(c.Mtime, 10) },
		apply: func(c *Command, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad mtime %q", ErrInvalid, v)
			}
			c.Mtime = n
			return nil
		},
	},
	"prm": {
		short: "prm", kind: kindInt,
		isDefault: func(c *Command) bool { return c.Permissions == -1 },
		serialize: func(c *Command) string { return strconv.FormatInt(c.Permissions, 10) },
		apply: func(c *Command, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad permissions %q", ErrInvalid, v)
			}
			c.Permissions = n
			return nil
		},
	},
	"sz": {
		short: "sz", kind: kindInt,
		isDefault: func(c *Command) bool { return c.Size == -1 },
		serialize: func(c *Command) string { return strconv.FormatInt(c.Size, 10) },
		apply: func(c *Command, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad size %q", ErrInvalid, v)
			}
			c.Size = n
			return nil
		},
	},
	"n": {
		short: "n", kind: kindBase64String,
		isDefault: func(c *Command) bool { return c.Name == "" },
		serialize: func(c *Command) string { return encodeBase64String(c.Name) },
		apply: func(c *Command, v string) error {
			s, err := decodeBase64String(v)
			if err != nil {
				return err
			}
			c.Name = s
			return nil
		},
	},
	"st": {
		short: "st", kind: kindBase64String,
		isDefault: func(c *Command) bool { return c.Status == "" },
		serialize: func(c *Command) string { return encodeBase64String(c.Status) },
		apply: func(c *Command, v string) error {
			s, err := decodeBase64String(v)
			if err != nil {
				return err
			}
			c.Status = s
			return nil
		},
	},
	"pr": {
		short: "pr", kind: kindEscapedString,
		isDefault: func(c *Command) bool { return c.Parent == "" },
		serialize: func(c *Command) string { return sanitizeAndEscape(c.Parent) },
		apply:     func(c *Command, v string) error { c.Parent = v; return nil },
	},
	"d": {
		short: "d", kind: kindBytes,
		isDefault: func(c *Command) bool { return len(c.Data) == 0 },
		serialize: func(c *Command) string { return base64.StdEncoding.EncodeToString(c.Data) },
		apply: func(c *Command, v string) error {
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return fmt.Errorf("%w: bad base64 data", ErrInvalid)
			}
			c.Data = b
			return nil
		},
	},
}

// sanitizeAndEscape strips ASCII control characters (keeping tab and
// newline) and then doubles any literal semicolon, per spec §4.1. This is
// applied only on the way out — deserialized values are never re-sanitized
// (spec §9 open question, resolved: sanitize at serialize-out only).
func sanitizeAndEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' {
			continue
		}
		if r == ';' {
			b.WriteString(";;")
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unescapeSemicolons reverses the `;;` -> `;` doubling done by
// sanitizeAndEscape, without touching control characters (ingest is not
// re-sanitized; see sanitizeAndEscape's doc comment).
func unescapeSemicolons(s string) string {
	return strings.ReplaceAll(s, ";;", ";")
}

func encodeBase64String(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decodeBase64String(v string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64 string", ErrInvalid)
	}
	return string(b), nil
}

// Serialize renders cmd as `key=value;key=value;...`, skipping fields that
// equal their wire default (spec §4.1, §8 "default elision" law). If
// withOSCPrefix is true, the reserved OSC numeric code and a leading `;`
// are prepended.
func Serialize(cmd Command, withOSCPrefix bool) string {
	var b strings.Builder
	if withOSCPrefix {
		b.WriteString(strconv.Itoa(OSCCommandCode))
		b.WriteByte(';')
	}
	first := true
	for _, short := range fieldOrder {
		spec := fieldsByShort[short]
		if spec.isDefault(&cmd) {
			continue
		}
		if !first {
			b.WriteByte(';')
		}
		first = false
		b.WriteString(short)
		b.WriteByte('=')
		b.WriteString(spec.serialize(&cmd))
	}
	return b.String()
}

// Deserialize parses the portion of a frame after the OSC prefix has
// already been stripped by the host. Unknown keys are ignored for forward
// compatibility (spec §4.1). A command whose action parses to invalid (or
// is never set) is rejected.
func Deserialize(raw string) (Command, error) {
	cmd := NewCommand(ActionInvalid)
	sawAction := false

	for _, pair := range splitPairs(raw) {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return Command{}, fmt.Errorf("%w: malformed pair %q", ErrInvalid, pair)
		}
		spec, known := fieldsByShort[key]
		if !known {
			continue // forward compatibility
		}
		if spec.kind == kindEscapedString {
			value = unescapeSemicolons(value)
		}
		if err := spec.apply(&cmd, value); err != nil {
			return Command{}, err
		}
		if key == "ac" {
			sawAction = true
		}
	}

	if !sawAction || cmd.Action == ActionInvalid {
		return Command{}, fmt.Errorf("%w: missing or invalid action", ErrInvalid)
	}
	return cmd, nil
}

// splitPairs splits raw on unescaped `;` — a `;;` run denotes a literal
// semicolon inside the preceding value and does not split.
func splitPairs(raw string) []string {
	var pairs []string
	var cur strings.Builder
	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		if runes[i] == ';' {
			if i+1 < len(runes) && runes[i+1] == ';' {
				cur.WriteString(";;")
				i++
				continue
			}
			pairs = append(pairs, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(runes[i])
	}
	pairs = append(pairs, cur.String())
	return pairs
}
