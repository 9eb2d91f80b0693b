// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package pitchfork

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"
)

// recConn is a net.Conn that records writes, for wire-format tests.
type recConn struct {
	bytes.Buffer
	readFrom *bytes.Reader
}

func (c *recConn) Read(p []byte) (int, error) {
	if c.readFrom == nil {
		return 0, net.ErrClosed
	}
	return c.readFrom.Read(p)
}
func (c *recConn) Close() error                       { return nil }
func (c *recConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80} }
func (c *recConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999} }
func (c *recConn) SetDeadline(t time.Time) error      { return nil }
func (c *recConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recConn) SetWriteDeadline(t time.Time) error { return nil }

func TestWriteResponse(t *testing.T) {
	conn := new(recConn)
	w := newResponseWriter(conn)
	h := Header{
		{"Content-Type", "text/plain"},
		{"Content-Length", "5"},
	}
	if err := w.WriteResponse(200, h, StringBody("hello")); err != nil {
		t.Fatal(err)
	}
	want := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 5\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"hello"
	if got := conn.String(); got != want {
		t.Errorf("wire = %q\nwant  %q", got, want)
	}
}

func TestWriteResponseStreamedBody(t *testing.T) {
	conn := new(recConn)
	w := newResponseWriter(conn)
	body := BytesBody([]byte("part1 "), []byte("part2"))
	if err := w.WriteResponse(200, Header{{"Content-Type", "text/plain"}}, body); err != nil {
		t.Fatal(err)
	}
	got := conn.String()
	if !strings.Contains(got, "Connection: close\r\n\r\npart1 part2") {
		t.Errorf("wire = %q", got)
	}
	if strings.Contains(got, "Content-Length") {
		t.Error("no content-length was set, none must be sent")
	}
}

func TestSendContinue(t *testing.T) {
	conn := new(recConn)
	w := newResponseWriter(conn)
	if err := w.SendContinue(); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteResponse(204, nil, BytesBody()); err != nil {
		t.Fatal(err)
	}
	want := "HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n"
	if got := conn.String(); got != want {
		t.Errorf("wire = %q\nwant  %q", got, want)
	}
}

func TestEarlyHintsDanglingPrefix(t *testing.T) {
	// each hint block ends by pre-writing the next status line's
	// "HTTP/1.1 " prefix, so later lines must not repeat it
	conn := new(recConn)
	w := newResponseWriter(conn)
	if err := w.SendEarlyHints(Header{{"Link", "</a.css>; rel=preload"}}); err != nil {
		t.Fatal(err)
	}
	if err := w.SendEarlyHints(Header{{"Link", "</b.js>; rel=preload"}}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteResponse(200, Header{{"Content-Length", "2"}}, StringBody("ok")); err != nil {
		t.Fatal(err)
	}
	want := "HTTP/1.1 103 Early Hints\r\n" +
		"Link: </a.css>; rel=preload\r\n" +
		"\r\n" +
		"HTTP/1.1 103 Early Hints\r\n" +
		"Link: </b.js>; rel=preload\r\n" +
		"\r\n" +
		"HTTP/1.1 200 OK\r\n" +
		"Content-Length: 2\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"ok"
	if got := conn.String(); got != want {
		t.Errorf("wire = %q\nwant  %q", got, want)
	}
}

func TestWriteError(t *testing.T) {
	conn := new(recConn)
	w := newResponseWriter(conn)
	w.writeError(StatusEntityTooLarge)
	got := conn.String()
	if !strings.HasPrefix(got, "HTTP/1.1 413 Request Entity Too Large\r\n") {
		t.Errorf("wire = %q", got)
	}
	if !strings.Contains(got, "Connection: close\r\n") {
		t.Errorf("wire = %q", got)
	}
	// a second call must not write a second response
	before := conn.Len()
	w.writeError(StatusInternalError)
	if conn.Len() != before {
		t.Error("writeError wrote after a response was already sent")
	}
}
