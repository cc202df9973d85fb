package mailparser

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
)

// DecodeHeader decodes a possibly MIME-encoded header value into UTF-8.
// Mixed-charset segments are handled word by word. Callers should fall back
// to the raw value on error.
func DecodeHeader(header string) (string, error) {
	dec := new(mime.WordDecoder)
	dec.CharsetReader = charsetReader
	decoded, err := dec.DecodeHeader(header)
	if err != nil {
		return "", err
	}
	return decoded, nil
}

// DecodeHeaderOrRaw decodes a header value, keeping the raw value when
// decoding fails. Decoding problems are never fatal for ingestion.
func DecodeHeaderOrRaw(header string) string {
	decoded, err := DecodeHeader(header)
	if err != nil {
		return header
	}
	return decoded
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	if enc := lookupEncoding(charset); enc != nil {
		return enc.NewDecoder().Reader(input), nil
	}
	// 未対応charsetもUTF-8として通し、壊れたバイトは置換する
	b, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	return strings.NewReader(strings.ToValidUTF8(string(b), "�")), nil
}

func lookupEncoding(charset string) encoding.Encoding {
	switch strings.ToLower(charset) {
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis", "shift-jis", "sjis", "cp932", "windows-31j":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	default:
		return nil
	}
}

// decodeCharset converts raw bytes to UTF-8. Unknown charsets are treated as
// UTF-8 with invalid sequences replaced, never an error.
func decodeCharset(charset string, b []byte) string {
	enc := lookupEncoding(charset)
	if enc == nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(out)
}
