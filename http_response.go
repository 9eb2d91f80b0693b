// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Response writing. Connections are always closed after one response,
// so Connection: close is unconditional and bodies without a declared
// Content-Length are streamed until close.

package pitchfork

import (
	"io"
	"net"
	"strconv"
)

// responseWriter serializes one response onto the connection. Interim
// responses (100, repeated 103) may precede the final one. After a 103
// the next status line's "HTTP/1.1 " prefix has already been written
// and left dangling on the wire, so it must not be repeated.
type responseWriter struct {
	conn        net.Conn
	wroteStatus bool // final status line has been sent
	dangling    bool // "HTTP/1.1 " already on the wire for the next status
}

func newResponseWriter(conn net.Conn) *responseWriter {
	return &responseWriter{conn: conn}
}

func (w *responseWriter) statusPrefix(buf []byte, status int) []byte {
	if !w.dangling {
		buf = append(buf, "HTTP/1.1 "...)
	}
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, statusReason(status)...)
	buf = append(buf, '\r', '\n')
	return buf
}

// SendContinue emits the 100 Continue interim response.
func (w *responseWriter) SendContinue() error {
	buf := w.statusPrefix(make([]byte, 0, 32), StatusContinue)
	buf = append(buf, '\r', '\n')
	w.dangling = false
	_, err := w.conn.Write(buf)
	return err
}

// SendEarlyHints emits one 103 Early Hints block and leaves the next
// status-line prefix dangling.
func (w *responseWriter) SendEarlyHints(h Header) error {
	if w.wroteStatus {
		return nil // too late to hint
	}
	buf := w.statusPrefix(make([]byte, 0, 256), StatusEarlyHints)
	for _, f := range h {
		buf = appendField(buf, f)
	}
	buf = append(buf, '\r', '\n')
	buf = append(buf, "HTTP/1.1 "...)
	w.dangling = true
	_, err := w.conn.Write(buf)
	return err
}

// WriteResponse sends the final status line, headers, and body.
// Content-Length is included only if the app set it; the connection
// close delimits the body otherwise.
func (w *responseWriter) WriteResponse(status int, h Header, body Body) error {
	buf := w.statusPrefix(make([]byte, 0, 512), status)
	w.dangling = false
	for _, f := range h {
		buf = appendField(buf, f)
	}
	buf = append(buf, "Connection: close\r\n\r\n"...)
	w.wroteStatus = true
	if _, err := w.conn.Write(buf); err != nil {
		body.Close()
		return err
	}
	for {
		chunk, err := body.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			body.Close()
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		if _, err := w.conn.Write(chunk); err != nil {
			body.Close()
			return err
		}
	}
	return body.Close()
}

// writeError answers an *HTTPError with a minimal closing response. It
// is safe to call whether or not the status line went out already.
func (w *responseWriter) writeError(status int) {
	if w.wroteStatus {
		return
	}
	body := statusReason(status)
	h := Header{
		{"Content-Type", "text/plain"},
		{"Content-Length", strconv.Itoa(len(body))},
	}
	w.WriteResponse(status, h, StringBody(body))
}

func appendField(buf []byte, f Field) []byte {
	buf = append(buf, f.Name...)
	buf = append(buf, ':', ' ')
	buf = append(buf, f.Value...)
	buf = append(buf, '\r', '\n')
	return buf
}
