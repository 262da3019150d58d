package charset

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// FromContentType extracts the charset parameter of a Content-Type value.
func FromContentType(contentType string) string {
	idx := strings.Index(strings.ToLower(contentType), "charset=")
	if idx == -1 {
		return ""
	}
	cs := contentType[idx+8:]
	if i := strings.Index(cs, ";"); i != -1 {
		cs = cs[:i]
	}
	return strings.ToLower(strings.Trim(cs, " \"'"))
}

// ToUTF8 converts body to UTF-8 according to the charset named in
// contentType. Bodies that are already valid UTF-8, or whose charset is
// unknown, are returned unchanged.
func ToUTF8(contentType string, body []byte) []byte {
	cs := FromContentType(contentType)
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return body
	}
	// Servers often label UTF-8 JSON with a legacy charset.
	if utf8.Valid(body) && !strings.HasPrefix(cs, "utf-16") {
		return body
	}
	out, err := Convert(body, cs)
	if err != nil {
		return body
	}
	return out
}

// Convert converts content from the named charset to UTF-8.
func Convert(content []byte, fromCharset string) ([]byte, error) {
	enc := Lookup(fromCharset)
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset: %s", fromCharset)
	}

	result, err := io.ReadAll(transform.NewReader(bytes.NewReader(content), enc.NewDecoder()))
	if err != nil {
		return nil, fmt.Errorf("failed to convert from %s to UTF-8: %w", fromCharset, err)
	}
	return result, nil
}

// Lookup returns the encoding for a charset name, or nil.
func Lookup(name string) encoding.Encoding {
	switch strings.ToLower(name) {
	case "utf-8", "utf8":
		return unicode.UTF8
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM)
	case "utf-16be":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case "utf-16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case "gb2312", "gb-2312", "gb18030":
		return simplifiedchinese.GB18030
	case "gbk", "cp936":
		return simplifiedchinese.GBK
	case "big5", "big-5":
		return traditionalchinese.Big5
	case "shift_jis", "shift-jis", "sjis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr":
		return korean.EUCKR
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1
	case "windows-1252", "cp1252":
		return charmap.Windows1252
	default:
		return nil
	}
}
