package doip

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidHex indicates a malformed colon-separated hex string.
var ErrInvalidHex = errors.New("invalid hex string")

// FormatHex renders b as colon-separated lowercase hex pairs
// ("00:02:36:31:00:1c"). An empty slice yields "".
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, x := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString([]byte{x}))
	}
	return sb.String()
}

// ParseHex decodes a hex string. Pairs may be separated by ':' or '-', or
// written without separators. Case is ignored.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var compact string
	if strings.ContainsAny(s, ":-") {
		parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
		for _, p := range parts {
			if len(p) != 2 {
				return nil, fmt.Errorf("parse hex %q: %w: group %q", s, ErrInvalidHex, p)
			}
		}
		compact = strings.Join(parts, "")
	} else {
		compact = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	}

	b, err := hex.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("parse hex %q: %w: %w", s, ErrInvalidHex, err)
	}
	return b, nil
}

// ParseHexN decodes s with ParseHex and requires exactly n bytes.
func ParseHexN(s string, n int) ([]byte, error) {
	b, err := ParseHex(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("parse hex %q: %w: got %d bytes, want %d", s, ErrInvalidHex, len(b), n)
	}
	return b, nil
}

// FormatLogicalAddress renders a logical address as "0xfa25".
func FormatLogicalAddress(la uint16) string {
	return fmt.Sprintf("0x%04x", la)
}

// ParseVIN validates a 17-character ASCII VIN.
func ParseVIN(s string) ([VINLen]byte, error) {
	var vin [VINLen]byte
	if len(s) != VINLen {
		return vin, fmt.Errorf("parse vin %q: %w: length %d", s, ErrInvalidPayload, len(s))
	}
	for i := range len(s) {
		if s[i] < 0x20 || s[i] > 0x7e {
			return vin, fmt.Errorf("parse vin %q: %w: non-printable byte at %d", s, ErrInvalidPayload, i)
		}
	}
	copy(vin[:], s)
	return vin, nil
}

// FormatASCII renders b as text, replacing non-printable bytes with '.'.
func FormatASCII(b []byte) string {
	out := make([]byte, len(b))
	for i, x := range b {
		if x < 0x20 || x > 0x7e {
			out[i] = '.'
			continue
		}
		out[i] = x
	}
	return string(out)
}
