package protocol

import "fmt"

// TagSize is the wire size of a product code or stat-string tag
const TagSize = 4

// EncodeTag converts a 4-character ASCII tag to its wire form.
// Tags travel as a little-endian dword of the ASCII codes, so "STAR" goes out as "RATS".
func EncodeTag(tag string) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, fmt.Errorf("tag %q must be %d characters", tag, TagSize)
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] >= 0x80 {
			return nil, fmt.Errorf("tag %q is not ASCII", tag)
		}
	}
	return []byte(ReverseTag(tag)), nil
}

// DecodeTag is the inverse of EncodeTag
func DecodeTag(raw []byte) (string, error) {
	if len(raw) != TagSize {
		return "", fmt.Errorf("tag must be %d bytes, got %d", TagSize, len(raw))
	}
	return ReverseTag(string(raw)), nil
}

// ReverseTag reverses the bytes of s. Stat-strings built from program ids use the same
// byte order as product tags but are not limited to four characters.
func ReverseTag(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
