package normalize

import (
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Encoding is the detected character encoding of a source.
type Encoding string

const (
	ASCII  Encoding = "ascii"
	UTF8   Encoding = "utf-8"
	Latin1 Encoding = "iso-8859-1"
)

// utf8BOM is the UTF-8 byte-order mark.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectEncoding classifies a bounded prefix of the source. The decision is
// strictly tiered: ASCII, then UTF-8, then the Latin-1 fallback. When the
// prefix was cut short, a trailing incomplete UTF-8 sequence is ignored.
func DetectEncoding(prefix []byte, truncated bool) Encoding {
	if isASCII(prefix) {
		return ASCII
	}
	if truncated {
		prefix = trimPartialRune(prefix)
	}
	// utf8.Valid rejects encoded surrogate halves (U+D800..U+DFFF).
	if utf8.Valid(prefix) {
		return UTF8
	}
	return Latin1
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// trimPartialRune drops an incomplete multi-byte sequence at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			return b
		}
	}
	return b
}

// decodeReader returns a reader yielding UTF-8 text for r.
func decodeReader(r io.Reader, enc Encoding) io.Reader {
	if enc == Latin1 {
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder())
	}
	return r
}

// encodeWriter re-encodes UTF-8 text written to it back into enc, so the
// artifact keeps the source encoding. The returned closer flushes the encoder.
func encodeWriter(w io.Writer, enc Encoding) io.WriteCloser {
	if enc == Latin1 {
		return transform.NewWriter(w, charmap.ISO8859_1.NewEncoder())
	}
	return nopWriteCloser{w}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
