package rrdp

import (
	"encoding/hex"
	"strings"
)

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ToLower(strings.TrimSpace(s)))
}

// collapseWhitespace strips the newlines and indentation RRDP publishers
// commonly wrap base64 publish content with.
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\n', '\r', '\t':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
