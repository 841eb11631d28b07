package tabular

import (
	"bytes"
	"io"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Encoding names reported by Decode.
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1252 = "windows-1252"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode reads all of r and returns it as UTF-8. Valid UTF-8 (with or without
// a byte order mark) passes through; anything else is decoded as
// Windows-1252, the encoding marketplace reports fall back to.
func Decode(r io.Reader) (io.Reader, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", eris.Wrap(err, "decode: read input")
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return bytes.NewReader(data), EncodingUTF8, nil
	}

	out, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), data)
	if err != nil {
		return nil, "", eris.Wrap(err, "decode: windows-1252")
	}
	return bytes.NewReader(out), EncodingWindows1252, nil
}
