package mailparser

import (
	"encoding/base64"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
)

var (
	blockTagRe      = regexp.MustCompile(`(?i)<(?:br\s*/?|/p|/div|/tr|/li|/h[1-6]|/title)\s*>`)
	tagRe           = regexp.MustCompile(`<[^>]*>`)
	trailingBlankRe = regexp.MustCompile(`\s+\n`)
)

// ExtractBody returns the normalized text body of a message. The first
// text/plain part wins; failing that, the first text/html part with tags
// stripped; a message without parts is used whole. The result is run through
// normalizeBody so downstream line matching sees a predictable shape.
func ExtractBody(msg *mail.Message) string {
	contentType := msg.Header.Get("Content-Type")
	cte := msg.Header.Get("Content-Transfer-Encoding")

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	var text string
	var isHTML bool
	if strings.HasPrefix(mediaType, "multipart/") {
		text, isHTML = findTextPart(msg.Body, params["boundary"])
	} else {
		text = decodeText(msg.Body, contentType, cte)
		isHTML = mediaType == "text/html"
	}

	if isHTML {
		text = htmlToText(text)
	}
	return normalizeBody(text)
}

// findTextPart walks a multipart body, preferring the first text/plain part
// over the first text/html one. Nested multiparts are descended into.
func findTextPart(r io.Reader, boundary string) (text string, isHTML bool) {
	var plain, htmlPart string
	var havePlain, haveHTML bool

	mr := multipart.NewReader(r, boundary)
	for !havePlain {
		p, err := mr.NextPart()
		if err != nil {
			break
		}

		ct := p.Header.Get("Content-Type")
		mediaType, params, perr := mime.ParseMediaType(ct)
		if perr != nil {
			mediaType = "text/plain"
		}

		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			inner, innerHTML := findTextPart(p, params["boundary"])
			if inner == "" {
				continue
			}
			if !innerHTML {
				plain = inner
				havePlain = true
			} else if !haveHTML {
				htmlPart = inner
				haveHTML = true
			}
		case mediaType == "text/plain":
			plain = decodeText(p, ct, p.Header.Get("Content-Transfer-Encoding"))
			havePlain = true
		case mediaType == "text/html" && !haveHTML:
			htmlPart = decodeText(p, ct, p.Header.Get("Content-Transfer-Encoding"))
			haveHTML = true
		}
	}

	if havePlain {
		return plain, false
	}
	return htmlPart, haveHTML
}

// decodeText undoes the transfer encoding and converts the charset to UTF-8.
func decodeText(r io.Reader, contentType, cte string) string {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}

	raw, err := io.ReadAll(r)
	if err != nil && len(raw) == 0 {
		return ""
	}

	charset := "utf-8"
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			charset = cs
		}
	}
	return decodeCharset(charset, raw)
}

// htmlToText converts block-level boundaries to newlines, strips the
// remaining tags and unescapes entities.
func htmlToText(s string) string {
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// normalizeBody applies the substitutions the name extractor relies on:
// 「■」 becomes 「●」 and whitespace runs before a newline collapse.
func normalizeBody(s string) string {
	s = strings.ReplaceAll(s, "■", "●")
	s = trailingBlankRe.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
