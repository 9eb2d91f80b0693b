// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1.1 request head parser. See RFC 9112.

// The parser is incremental: Execute consumes whatever bytes are in the
// buffer past its saved position and suspends wherever input runs out.
// The buffer may grow between calls but already-consumed bytes must not
// move, since tokens are materialized from their recorded offsets.

package pitchfork

import (
	"strconv"
)

const (
	// MaxHeader caps the request head (request-line + all fields).
	// Exceeding it answers 413.
	MaxHeader = 112 * K
	// maxURI caps the request-target alone. Exceeding it answers 414.
	maxURI = 12 * K
	// maxMethod caps the method token.
	maxMethod = 20
)

const ( // parser states
	parseMethod      int8 = iota // in method token
	parseURI                     // in request-target, before '?'
	parseQuery                   // in request-target, after '?'
	parseVersion                 // in HTTP-version
	parseControlLF               // expecting LF after request-line CR
	parseLineStart               // at the start of a field line
	parseFieldName               // in field-name
	parseFieldColon              // got ':', skipping optional whitespace
	parseFieldValue              // in field-value
	parseFieldLF                 // expecting LF after field CR
	parseHeadLF                  // expecting the final LF
	parseDone                    // head complete
)

var httpTchar = [256]bool{} // token chars per RFC 9110
var httpMethodChar = [256]bool{}
var httpURIChar = [256]bool{}

func init() {
	for _, b := range []byte("!#$%&'*+-.^_`|~") {
		httpTchar[b] = true
	}
	for b := byte('0'); b <= '9'; b++ {
		httpTchar[b] = true
		httpMethodChar[b] = true
	}
	for b := byte('a'); b <= 'z'; b++ {
		httpTchar[b] = true
	}
	for b := byte('A'); b <= 'Z'; b++ {
		httpTchar[b] = true
		httpMethodChar[b] = true
	}
	for _, b := range []byte("-_.") { // the safe method punctuation
		httpMethodChar[b] = true
	}
	for b := byte('!'); b <= '~'; b++ { // visible ASCII
		httpURIChar[b] = true
	}
}

// httpParser extracts the request-line and header fields from a growing
// head buffer.
type httpParser struct {
	state    int8
	nread    int // bytes consumed so far
	finished bool
	err      error

	method    string
	uri       string // raw request-target, query included
	path      string
	query     string
	version   string
	fields    []Field
	bodyStart int // offset of the first body byte in the head buffer

	back      int // start offset of the token being scanned
	uriQuery  int // offset of '?' within the target, -1 if none
	nameEdge  int // end offset of the current field-name
	valueBack int // start offset of the current field-value
}

func newHTTPParser() *httpParser {
	p := new(httpParser)
	p.uriQuery = -1
	return p
}

func (p *httpParser) Finished() bool { return p.finished }
func (p *httpParser) HasError() bool { return p.err != nil }
func (p *httpParser) Nread() int     { return p.nread }

// Execute consumes buf[p.nread:len(buf)]. Calling it again with no new
// bytes, or after the head is finished, is a no-op.
func (p *httpParser) Execute(buf []byte) error {
	if p.err != nil {
		return p.err
	}
	i := p.nread
	for i < len(buf) && p.state != parseDone {
		b := buf[i]
		switch p.state {
		case parseMethod:
			if httpMethodChar[b] {
				if i-p.back >= maxMethod {
					return p.fail(errParse("method too long"))
				}
				i++
			} else if b == ' ' {
				if i == p.back {
					return p.fail(errParse("empty method"))
				}
				p.method = string(buf[p.back:i])
				i++
				p.back = i
				p.state = parseURI
			} else {
				return p.fail(errParse("invalid character in method"))
			}
		case parseURI, parseQuery:
			if b == ' ' {
				if i == p.back {
					return p.fail(errParse("empty request-target"))
				}
				p.uri = string(buf[p.back:i])
				if p.uriQuery >= 0 {
					p.path = p.uri[:p.uriQuery-p.back]
					p.query = p.uri[p.uriQuery-p.back+1:]
				} else {
					p.path = p.uri
				}
				i++
				p.back = i
				p.state = parseVersion
			} else if b == '?' && p.state == parseURI {
				p.uriQuery = i
				p.state = parseQuery
				i++
			} else if httpURIChar[b] {
				if i-p.back >= maxURI {
					return p.fail(ErrURITooLong)
				}
				i++
			} else {
				return p.fail(errParse("invalid character in request-target"))
			}
		case parseVersion:
			if b == '\r' {
				if !p.checkVersion(buf[p.back:i]) {
					return p.fail(errParse("invalid http version"))
				}
				p.version = string(buf[p.back:i])
				i++
				p.state = parseControlLF
			} else if b == '\n' {
				return p.fail(errParse("bare lf in request-line"))
			} else {
				i++
			}
		case parseControlLF:
			if b != '\n' {
				return p.fail(errParse("missing lf after request-line"))
			}
			i++
			p.state = parseLineStart
		case parseLineStart:
			if b == '\r' {
				i++
				p.state = parseHeadLF
			} else if b == ' ' || b == '\t' {
				// obs-fold: the line continues the previous field-value
				if len(p.fields) == 0 {
					return p.fail(errParse("continuation line before any field"))
				}
				p.state = parseFieldColon // skips the leading whitespace
			} else if httpTchar[b] {
				p.back = i
				i++
				p.state = parseFieldName
			} else {
				return p.fail(errParse("invalid character at field start"))
			}
		case parseFieldName:
			if httpTchar[b] {
				i++
			} else if b == ':' {
				p.nameEdge = i
				i++
				p.state = parseFieldColon
			} else {
				return p.fail(errParse("invalid character in field name"))
			}
		case parseFieldColon:
			if b == ' ' || b == '\t' {
				i++
			} else {
				p.valueBack = i
				p.state = parseFieldValue
			}
		case parseFieldValue:
			if b == '\r' {
				p.endField(buf, i)
				i++
				p.state = parseFieldLF
			} else if b == '\n' {
				return p.fail(errParse("bare lf in field line"))
			} else if b == 0 {
				return p.fail(errParse("nul in field value"))
			} else {
				i++
			}
		case parseFieldLF:
			if b != '\n' {
				return p.fail(errParse("missing lf after field line"))
			}
			i++
			p.state = parseLineStart
		case parseHeadLF:
			if b != '\n' {
				return p.fail(errParse("missing final lf"))
			}
			i++
			p.bodyStart = i
			p.state = parseDone
			p.finished = true
		}
	}
	p.nread = i
	return nil
}

func (p *httpParser) fail(err error) error {
	p.err = err
	return err
}

// endField closes the field whose value runs up to edge, folding
// continuation lines into the previous field.
func (p *httpParser) endField(buf []byte, edge int) {
	for edge > p.valueBack && (buf[edge-1] == ' ' || buf[edge-1] == '\t') {
		edge--
	}
	value := string(buf[p.valueBack:edge])
	if p.back < p.nameEdge { // a fresh field
		p.fields = append(p.fields, Field{Name: string(buf[p.back:p.nameEdge]), Value: value})
		p.back, p.nameEdge = 0, 0
	} else if n := len(p.fields); n > 0 && value != "" { // obs-fold continuation
		p.fields[n-1].Value += " " + value
	}
}

func (p *httpParser) checkVersion(v []byte) bool {
	// HTTP-version = "HTTP/" DIGIT "." DIGIT, we accept multi-digit
	if len(v) < 8 || string(v[:5]) != "HTTP/" {
		return false
	}
	dot := -1
	for i := 5; i < len(v); i++ {
		if v[i] == '.' {
			if dot >= 0 {
				return false
			}
			dot = i
		} else if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return dot > 5 && dot < len(v)-1
}

// FieldValue returns the last value of the named field, "" if absent.
func (p *httpParser) FieldValue(name string) string {
	value := ""
	for i := range p.fields {
		if equalFold(p.fields[i].Name, name) {
			value = p.fields[i].Value
		}
	}
	return value
}

// contentLength parses the Content-Length field. Returns -1 when the
// field is absent, an error when it is unparsable or conflicting.
func (p *httpParser) contentLength() (int64, error) {
	raw := ""
	for i := range p.fields {
		if equalFold(p.fields[i].Name, "Content-Length") {
			if raw != "" && raw != p.fields[i].Value {
				return 0, errParse("conflicting content-length")
			}
			raw = p.fields[i].Value
		}
	}
	if raw == "" {
		return -1, nil
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return 0, errParse("invalid content-length")
	}
	return size, nil
}
