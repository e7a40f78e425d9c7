package xml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encodings seen in SEFAZ-issued and ERP-exported files
var charsets = map[string]encoding.Encoding{
	"iso-8859-1":   charmap.ISO8859_1,
	"iso8859-1":    charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"latin-1":      charmap.ISO8859_1,
	"iso-8859-15":  charmap.ISO8859_15,
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
}

// CharsetReader converts a declared non-UTF-8 prolog encoding to UTF-8
func CharsetReader(label string, input io.Reader) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(label))

	// UTF-16 input was already transcoded by the BOM override
	if strings.HasPrefix(name, "utf-16") || name == "utf8" {
		return input, nil
	}

	enc, ok := charsets[name]
	if !ok {
		var err error
		enc, err = ianaindex.IANA.Encoding(label)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("unsupported charset: %s", label)
		}
	}
	return enc.NewDecoder().Reader(input), nil
}

// newDecoder wraps r with BOM handling and the charset hook
func newDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(transform.NewReader(r, unicode.BOMOverride(transform.Nop)))
	dec.CharsetReader = CharsetReader
	return dec
}
