package source

// encoding.go turns raw extract bytes into UTF-8 text for the line and CSV readers.
//
// Registry extracts arrive in a mix of encodings:
//
//   - UTF-8, with or without a byte-order mark (Windows tooling adds one)
//   - UTF-8 with stray invalid bytes, which are replaced with '?'
//   - legacy single-byte encodings (windows-1252, iso-8859-1), decoded with x/text
//
// Use Decode to apply the right transforms for a declared encoding.

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode wraps r so that it yields valid UTF-8.
// An empty encoding means UTF-8. Any WHATWG encoding label is accepted.
func Decode(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8", "utf-8-sig":
		return NewUTF8Sanitizer(NewBOMSkippingReader(r)), nil
	}

	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", encoding, err)
	}
	// A BOM in the data wins over the declared encoding.
	return transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder())), nil
}

// BOMSkippingReader drops a leading UTF-8 byte-order mark.
type BOMSkippingReader struct {
	br      *bufio.Reader
	checked bool
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{br: bufio.NewReader(r)}
}

// Read implements io.Reader. The first call consumes the BOM if present.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		head, err := r.br.Peek(len(utf8BOM))
		if err != nil && err != io.EOF {
			return 0, err
		}
		if bytes.Equal(head, utf8BOM) {
			_, _ = r.br.Discard(len(utf8BOM))
		}
	}
	return r.br.Read(p)
}

// UTF8Sanitizer replaces invalid UTF-8 bytes with '?' while streaming.
// Memory use is bounded by the bufio buffer regardless of file size.
type UTF8Sanitizer struct {
	br      *bufio.Reader
	pending []byte // encoded bytes that did not fit the caller's buffer
	err     error
}

// NewUTF8Sanitizer creates a new streaming sanitizer.
func NewUTF8Sanitizer(r io.Reader) *UTF8Sanitizer {
	return &UTF8Sanitizer{br: bufio.NewReader(r)}
}

// Read implements io.Reader.
func (s *UTF8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	if len(s.pending) > 0 {
		return n, nil
	}
	if s.err != nil {
		if n > 0 {
			return n, nil
		}
		return 0, s.err
	}

	var buf [utf8.UTFMax]byte
	for n < len(p) {
		// Return what we have rather than block on the underlying reader.
		if n > 0 && s.br.Buffered() == 0 {
			break
		}

		r, size, err := s.br.ReadRune()
		if err != nil {
			s.err = err
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		enc := buf[:1]
		if r == utf8.RuneError && size == 1 {
			enc[0] = '?'
		} else {
			enc = buf[:utf8.EncodeRune(buf[:], r)]
		}

		c := copy(p[n:], enc)
		n += c
		if c < len(enc) {
			s.pending = append(s.pending[:0], enc[c:]...)
			break
		}
	}
	return n, nil
}

// CountingReader tracks bytes read for progress logging.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
	Total     int64 // 0 if unknown
}

// NewCountingReader creates a counting reader with an optional total size.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{reader: r, Total: total}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// Progress returns the read progress as a percentage (0-100), 0 if the total is unknown.
func (r *CountingReader) Progress() int {
	if r.Total <= 0 {
		return 0
	}
	return int(r.BytesRead * 100 / r.Total)
}

// cleanCell removes spreadsheet artifacts from a header or value:
// surrounding whitespace, the ="..." formula wrapper and surrounding quotes.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "\ufeff")
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	}
	return strings.Trim(s, `"'`)
}
