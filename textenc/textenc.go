// Package textenc resolves character encodings by name and decodes raw records
// into UTF-8 text.
package textenc

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// Default is used when no encoding name is given.
const Default = "utf-8"

var (
	// ErrUnsupportedEncoding returned for unknown names and for encodings
	// that don't represent ASCII as single bytes.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

// ascii is every 7-bit byte. Record terminators are single ASCII bytes and
// are searched in the raw stream, so an encoding must map this string onto
// itself to be usable.
var ascii = func() string {
	var b strings.Builder
	for c := 0; c < utf8.RuneSelf; c++ {
		b.WriteByte(byte(c))
	}
	return b.String()
}()

// Decoder converts raw bytes of one encoding into UTF-8.
// Not safe for concurrent use.
type Decoder struct {
	name string
	enc  encoding.Encoding
	dec  *encoding.Decoder
	utf8 bool
}

// Lookup resolves name using WHATWG labels first and IANA names second.
func Lookup(name string) (*Decoder, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		name = Default
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		enc, err = ianaindex.IANA.Encoding(name)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
		}
	}
	encoded, err := enc.NewEncoder().String(ascii)
	if err != nil || encoded != ascii {
		return nil, fmt.Errorf("%w: %q is not ascii compatible", ErrUnsupportedEncoding, name)
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = strings.ToLower(name)
	}
	return &Decoder{
		name: canonical,
		enc:  enc,
		dec:  enc.NewDecoder(),
		utf8: canonical == Default,
	}, nil
}

// Name returns the canonical name of the encoding.
func (d *Decoder) Name() string {
	return d.name
}

// Decode returns raw as UTF-8 text. Invalid UTF-8 input is replaced
// with utf8.RuneError.
func (d *Decoder) Decode(raw []byte) (string, error) {
	if d.utf8 && utf8.Valid(raw) {
		return string(raw), nil
	}
	out, err := d.dec.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", d.name, err)
	}
	return string(out), nil
}

// Encode converts text back into the raw encoding.
func (d *Decoder) Encode(text string) ([]byte, error) {
	out, err := d.enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.name, err)
	}
	return out, nil
}
