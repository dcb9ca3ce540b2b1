package radius

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// codecAliases covers codec names in common use that are not IANA aliases.
var codecAliases = map[string]encoding.Encoding{
	"latin1":  charmap.ISO8859_1,
	"latin-1": charmap.ISO8859_1,
	"cp1252":  charmap.Windows1252,
	"cp1251":  charmap.Windows1251,
	"cp437":   charmap.CodePage437,
	"cp850":   charmap.CodePage850,
}

// passwordEncoder returns the encoding named by codec; empty means UTF-8.
func passwordEncoder(codec string) (encoding.Encoding, error) {
	codec = strings.ToLower(strings.TrimSpace(codec))
	if codec == "" {
		codec = "utf-8"
	}

	if enc, ok := codecAliases[codec]; ok {
		return enc, nil
	}

	enc, err := ianaindex.IANA.Encoding(codec)
	if err != nil {
		return nil, fmt.Errorf("unknown pw_codec %q: %w", codec, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported pw_codec %q", codec)
	}
	return enc, nil
}

// encodePassword converts password to the bytes sent in User-Password.
func encodePassword(password, codec string) ([]byte, error) {
	enc, err := passwordEncoder(codec)
	if err != nil {
		return nil, err
	}
	b, err := enc.NewEncoder().Bytes([]byte(password))
	if err != nil {
		return nil, fmt.Errorf("password cannot be encoded as %s: %w", codec, err)
	}
	return b, nil
}

// CheckCodec reports whether codec names a supported password encoding.
func CheckCodec(codec string) error {
	_, err := passwordEncoder(codec)
	return err
}
