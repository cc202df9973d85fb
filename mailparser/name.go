package mailparser

import (
	"regexp"
	"strings"
)

// 「* ● お名前: ◯◯」のように先頭に記号や空白があっても拾う
var nameLineRe = regexp.MustCompile(`(?:顧客名|お名前|氏名)\s*[:：]\s*([^\n\r]+)`)

// GuessCustomerName derives a customer name from a decoded From header and a
// normalized body. Pure function, ordered fallback:
//
//	① 本文の「顧客名 / お名前 / 氏名: 〜」行
//	② Fromヘッダの表示名
//	③ メールアドレスのローカル部
//
// Returns "" when none of the three applies.
func GuessCustomerName(fromHeader, body string) string {
	if m := nameLineRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}

	name, mbox, _ := ParseAddress(fromHeader)
	if name != "" {
		return name
	}
	return mbox
}

// ParseAddress splits an address header value into display name, local part
// and host. Quoted strings and comments are unwrapped; an address without
// angle brackets yields an empty name.
func ParseAddress(s string) (name, mbox, host string) {
	var quoted bool
	var escape bool
	var comment bool
	var depth int
	var start, end int

	var buf strings.Builder

	for _, r := range s {
		switch {
		case escape:
			escape = false
			buf.WriteRune(r)
		case r == '\\':
			escape = true
		case r == '"' && !comment:
			quoted = !quoted
		case r == '(' && !quoted:
			comment = true
			depth = 1
		case r == ')' && comment:
			depth--
			if depth == 0 {
				comment = false
			}
		case comment:
			continue
		case r == '<' && !quoted:
			start = buf.Len()
			buf.WriteRune(r)
		case r == '>' && !quoted:
			end = buf.Len()
			buf.WriteRune(r)
		default:
			buf.WriteRune(r)
		}
	}

	clean := buf.String()

	var address string
	if start < end {
		address = clean[start+1 : end]
		name = strings.TrimSpace(clean[:start])
	} else {
		address = clean
	}
	address = strings.TrimSpace(address)

	// @の位置でローカル部とホストに分割
	at := strings.Index(address, "@")
	if at < 0 {
		return name, address, ""
	}
	mbox = strings.TrimSpace(address[:at])
	host = strings.TrimSpace(address[at+1:])
	return name, mbox, host
}
