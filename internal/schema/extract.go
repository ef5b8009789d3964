package schema

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Extract wraps one year's raw delimited file: it decodes the configured
// character set, splits on the configured separator and exposes the header
// row. Rows are streamed, never loaded whole; extracts run past 100MB.
type Extract struct {
	reader *csv.Reader
	header []string
}

// OpenExtract prepares r for row streaming according to the year's layout
// and consumes the header row.
func OpenExtract(r io.Reader, layout *YearLayout) (*Extract, error) {
	switch strings.ToLower(layout.Encoding) {
	case "", "utf8", "utf-8":
		// already decodable
	case "latin1", "iso-8859-1":
		r = charmap.ISO8859_1.NewDecoder().Reader(r)
	default:
		return nil, fmt.Errorf("unsupported extract encoding %q", layout.Encoding)
	}

	cr := csv.NewReader(r)
	cr.Comma = separatorRune(layout.Separator)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read extract header: %w", err)
	}

	return &Extract{reader: cr, header: header}, nil
}

// Header returns the raw header row.
func (e *Extract) Header() []string {
	return e.header
}

// Next returns the next data row, or io.EOF when the extract is exhausted.
// A csv.ParseError means the row could not be split; callers account it as
// malformed and keep streaming.
func (e *Extract) Next() ([]string, error) {
	return e.reader.Read()
}

func separatorRune(s string) rune {
	if s == "" {
		return ';'
	}
	return []rune(s)[0]
}
