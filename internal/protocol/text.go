package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// ErrUnencodable is returned by a strict TextCodec for text the wire encoding cannot carry
var ErrUnencodable = errors.New("text not representable in wire encoding")

// EncodingPolicy selects what a TextCodec does with characters it cannot represent
type EncodingPolicy int

const (
	// PolicyStrict fails the whole string
	PolicyStrict EncodingPolicy = iota
	// PolicyReplace substitutes each bad character with the configured substitution
	PolicyReplace
)

func (p EncodingPolicy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyReplace:
		return "replace"
	default:
		return fmt.Sprintf("EncodingPolicy(%d)", int(p))
	}
}

// ParsePolicy converts a config value to an EncodingPolicy
func ParsePolicy(s string) (EncodingPolicy, error) {
	switch strings.ToLower(s) {
	case "strict":
		return PolicyStrict, nil
	case "replace", "":
		return PolicyReplace, nil
	default:
		return 0, fmt.Errorf("unknown encoding policy %q (want strict or replace)", s)
	}
}

// TextCodec converts between Go strings and the byte encoding used for NUL-terminated
// strings on the legacy wire. A nil *TextCodec behaves as UTF-8 with "?" substitution.
type TextCodec struct {
	name       string
	cm         *charmap.Charmap // nil means UTF-8
	policy     EncodingPolicy
	substitute string
}

// DefaultTextCodec is UTF-8 with replace-on-error
var DefaultTextCodec = &TextCodec{name: "utf-8", policy: PolicyReplace, substitute: "?"}

// NewTextCodec resolves an IANA encoding name. Only UTF-8 and single-byte code pages are
// accepted, since the wire strings are NUL-terminated. An empty substitute drops bad
// characters under PolicyReplace.
func NewTextCodec(name string, policy EncodingPolicy, substitute string) (*TextCodec, error) {
	for i := 0; i < len(substitute); i++ {
		if substitute[i] == 0 || substitute[i] >= 0x80 {
			return nil, fmt.Errorf("substitution %q must be printable ASCII", substitute)
		}
	}

	c := &TextCodec{name: strings.ToLower(name), policy: policy, substitute: substitute}
	switch c.name {
	case "", "utf-8", "utf8":
		c.name = "utf-8"
		return c, nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown text encoding %q: %w", name, err)
	}
	cm, ok := enc.(*charmap.Charmap)
	if !ok || cm == nil {
		return nil, fmt.Errorf("text encoding %q is not a single-byte code page", name)
	}
	c.cm = cm
	return c, nil
}

// Name returns the normalized encoding name
func (c *TextCodec) Name() string {
	if c == nil {
		return DefaultTextCodec.name
	}
	return c.name
}

// Policy returns the codec's failure policy
func (c *TextCodec) Policy() EncodingPolicy {
	if c == nil {
		return DefaultTextCodec.policy
	}
	return c.policy
}

// Encode converts s to wire bytes without the terminating NUL.
// An embedded NUL counts as unencodable because it would end the string early.
func (c *TextCodec) Encode(s string) ([]byte, error) {
	if c == nil {
		c = DefaultTextCodec
	}

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		ok := r != 0 && !(r == utf8.RuneError && size == 1)

		if ok {
			if c.cm == nil {
				out = append(out, s[i:i+size]...)
			} else if b, mapped := c.cm.EncodeRune(r); mapped {
				out = append(out, b)
			} else {
				ok = false
			}
		}

		if !ok {
			if c.policy == PolicyStrict {
				return nil, fmt.Errorf("%w: %q at offset %d (%s)", ErrUnencodable, s[i:i+size], i, c.name)
			}
			out = append(out, c.substitute...)
		}
		i += size
	}
	return out, nil
}

// Decode converts wire bytes (without the terminating NUL) to a string
func (c *TextCodec) Decode(b []byte) (string, error) {
	if c == nil {
		c = DefaultTextCodec
	}

	if c.cm == nil {
		if utf8.Valid(b) {
			return string(b), nil
		}
		if c.policy == PolicyStrict {
			return "", fmt.Errorf("%w: invalid utf-8 input", ErrUnencodable)
		}
		return strings.ToValidUTF8(string(b), c.substitute), nil
	}

	var sb strings.Builder
	sb.Grow(len(b))
	for i, x := range b {
		r := c.cm.DecodeByte(x)
		if r == utf8.RuneError {
			if c.policy == PolicyStrict {
				return "", fmt.Errorf("%w: byte 0x%02x at offset %d (%s)", ErrUnencodable, x, i, c.name)
			}
			sb.WriteString(c.substitute)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}
