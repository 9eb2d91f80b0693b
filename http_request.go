// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Request reading: drive the head parser over a freshly accepted
// socket, stage the body, and build the CGI-style environment the
// application sees.

package pitchfork

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// headChunkSize is how much we try to read per step while collecting
// the request head.
const headChunkSize = 16 * K

// Env is the request environment: CGI-style string entries plus the
// reserved objects (body input, error sink, after-reply list, early
// hints emitter, hijack).
type Env struct {
	vars       map[string]string
	input      Input
	errors     io.Writer
	afterReply []func()
	earlyHints func(h Header) error
	conn       net.Conn
	hijacked   bool
}

func (e *Env) Get(key string) string         { return e.vars[key] }
func (e *Env) Set(key string, value string)  { e.vars[key] = value }
func (e *Env) Has(key string) bool           { _, ok := e.vars[key]; return ok }
func (e *Env) Input() Input                  { return e.input }
func (e *Env) Errors() io.Writer             { return e.errors }

func (e *Env) Method() string { return e.vars["REQUEST_METHOD"] }
func (e *Env) Path() string   { return e.vars["PATH_INFO"] }

// AfterReply registers a callback to run after the response has been
// flushed, before the connection closes.
func (e *Env) AfterReply(fn func()) { e.afterReply = append(e.afterReply, fn) }

// EarlyHints emits a 103 interim response with the given fields. It is
// a no-op returning nil when early hints are disabled.
func (e *Env) EarlyHints(h Header) error {
	if e.earlyHints == nil {
		return nil
	}
	return e.earlyHints(h)
}

// Hijack hands the raw connection to the application. The server makes
// no further reads or writes on it; the app must return HijackBody.
func (e *Env) Hijack() net.Conn {
	e.hijacked = true
	return e.conn
}

func (e *Env) Hijacked() bool { return e.hijacked }

// mergeTrailers folds declared trailer fields into the env once a
// chunked body has been fully consumed.
func (e *Env) mergeTrailers(declared string, trailers []Field) {
	if declared == "" {
		return
	}
	wanted := map[string]bool{}
	for _, name := range strings.Split(declared, ",") {
		wanted[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for _, f := range trailers {
		if wanted[strings.ToLower(f.Name)] {
			e.vars[cgiName(f.Name)] = f.Value
		}
	}
}

// cgiName maps a header field name to its HTTP_* env key.
func cgiName(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 5)
	b.WriteString("HTTP_")
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 0x20
		} else if c == '-' {
			c = '_'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// readRequest reads one request head from conn, stages the body, and
// returns the populated environment. Errors are the §7 taxonomy: an
// *HTTPError wants a response with that status, anything else means
// the connection is already unusable.
func readRequest(conn net.Conn, cfg *Config, logger *Logger) (*Env, error) {
	head := bytebufferpool.Get()
	defer bytebufferpool.Put(head)

	parser := newHTTPParser()
	for {
		off := len(head.B)
		if off >= MaxHeader {
			return nil, ErrHeadTooLarge
		}
		want := headChunkSize
		if off+want > MaxHeader {
			want = MaxHeader - off
		}
		head.B = append(head.B, make([]byte, want)...)
		n, err := conn.Read(head.B[off : off+want])
		head.B = head.B[:off+n]
		if n > 0 {
			if perr := parser.Execute(head.B); perr != nil {
				return nil, perr
			}
			if parser.Finished() {
				break
			}
		}
		if err != nil {
			return nil, err // EOF and resets are client disconnects
		}
	}

	env := &Env{
		vars:   make(map[string]string, len(parser.fields)+12),
		errors: logger.errorSink(),
		conn:   conn,
	}
	env.vars["SERVER_SOFTWARE"] = ServerSoftware
	env.vars["SCRIPT_NAME"] = ""
	env.vars["REQUEST_METHOD"] = parser.method
	env.vars["REQUEST_URI"] = parser.uri
	env.vars["QUERY_STRING"] = parser.query
	env.vars["HTTP_VERSION"] = parser.version
	env.vars["PATH_INFO"] = pathInfo(parser.path)
	env.vars["REMOTE_ADDR"] = peerAddr(conn)

	for _, f := range parser.fields {
		if equalFold(f.Name, "Content-Length") || equalFold(f.Name, "Content-Type") {
			// CGI strips the HTTP_ prefix for the two entity headers
			continue
		}
		key := cgiName(f.Name)
		if prev, ok := env.vars[key]; ok {
			env.vars[key] = prev + "," + f.Value
		} else {
			env.vars[key] = f.Value
		}
	}
	if v := parser.FieldValue("Content-Type"); v != "" {
		env.vars["CONTENT_TYPE"] = v
	}

	// Stage the body. Bytes past the head already sit in the head buffer.
	leftover := append([]byte(nil), head.B[parser.bodyStart:]...)
	source := io.Reader(conn)
	if len(leftover) > 0 {
		source = io.MultiReader(bytes.NewReader(leftover), conn)
	}

	chunked := false
	if te := parser.FieldValue("Transfer-Encoding"); te != "" {
		for _, coding := range strings.Split(te, ",") {
			if strings.EqualFold(strings.TrimSpace(coding), "chunked") {
				chunked = true
			}
		}
	}

	var length int64
	if chunked {
		length = -1
		declared := parser.FieldValue("Trailer")
		decoder := newChunkedReader(source)
		onDone := func() { env.mergeTrailers(declared, decoder.Trailers()) }
		if cfg.RewindableInput {
			env.input = newTeeInput(decoder, -1, cfg.ClientBodyBufferSize, onDone)
		} else {
			env.input = newStreamInput(decoder, -1, onDone)
		}
	} else {
		var err error
		length, err = parser.contentLength()
		if err != nil {
			return nil, err
		}
		if length < 0 {
			length = 0
		}
		env.vars["CONTENT_LENGTH"] = strconv.FormatInt(length, 10)
		limited := io.LimitReader(source, length)
		if cfg.RewindableInput {
			env.input = newTeeInput(limited, length, cfg.ClientBodyBufferSize, nil)
		} else {
			env.input = newStreamInput(limited, length, nil)
		}
	}

	return env, nil
}

// pathInfo reduces a request-target to its path: origin-form stays,
// absolute-form drops scheme and authority.
func pathInfo(target string) string {
	if target == "" || target[0] == '/' {
		return target
	}
	if target == "*" {
		return ""
	}
	// absolute-form: scheme "://" authority path
	if i := strings.Index(target, "://"); i > 0 {
		rest := target[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[j:]
		}
		return "/"
	}
	return target
}
