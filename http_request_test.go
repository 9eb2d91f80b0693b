// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package pitchfork

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
)

func testConfig() *Config {
	cfg := &Config{
		RewindableInput: true,
		NewApp:          func() App { return nil },
	}
	cfg.Normalize()
	return cfg
}

func testLogger(t *testing.T) *Logger {
	t.Helper()
	logger, err := NewLogger("")
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

// feedRequest writes raw onto a pipe and runs readRequest on the other
// end. The writer stays open so the body can be read afterward.
func feedRequest(t *testing.T, raw string) (*Env, error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go func() {
		client.Write([]byte(raw))
		client.Close()
	}()
	return readRequest(server, testConfig(), testLogger(t))
}

func TestReadRequestEnv(t *testing.T) {
	env, err := feedRequest(t, "GET /over/there?name=ferret HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"Accept: text/html\r\n"+
		"Accept: application/json\r\n"+
		"User-Agent: tester\r\n"+
		"\r\n")
	if err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]string{
		"REQUEST_METHOD":  "GET",
		"REQUEST_URI":     "/over/there?name=ferret",
		"PATH_INFO":       "/over/there",
		"QUERY_STRING":    "name=ferret",
		"HTTP_VERSION":    "HTTP/1.1",
		"SCRIPT_NAME":     "",
		"SERVER_SOFTWARE": ServerSoftware,
		"HTTP_HOST":       "example.com",
		"HTTP_ACCEPT":     "text/html,application/json",
		"HTTP_USER_AGENT": "tester",
		"CONTENT_LENGTH":  "0",
		"REMOTE_ADDR":     "127.0.0.1",
	} {
		if got := env.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestReadRequestContentLengthBody(t *testing.T) {
	env, err := feedRequest(t, "PUT /upload HTTP/1.1\r\n"+
		"Content-Length: 11\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"hello world")
	if err != nil {
		t.Fatal(err)
	}
	if env.Get("CONTENT_LENGTH") != "11" {
		t.Errorf("CONTENT_LENGTH = %q", env.Get("CONTENT_LENGTH"))
	}
	if env.Get("CONTENT_TYPE") != "text/plain" {
		t.Errorf("CONTENT_TYPE = %q", env.Get("CONTENT_TYPE"))
	}
	if env.Has("HTTP_CONTENT_LENGTH") {
		t.Error("entity headers must not get the HTTP_ prefix")
	}
	body, err := io.ReadAll(ioAdapter{env.Input()})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello world" {
		t.Errorf("body = %q", body)
	}
	if err := env.Input().Rewind(); err != nil {
		t.Fatal(err)
	}
	again, _ := io.ReadAll(ioAdapter{env.Input()})
	if string(again) != "hello world" {
		t.Errorf("rewound body = %q", again)
	}
}

func TestReadRequestChunkedBody(t *testing.T) {
	env, err := feedRequest(t, "POST /chunks HTTP/1.1\r\n"+
		"Transfer-Encoding: chunked\r\n"+
		"Trailer: X-Checksum\r\n"+
		"\r\n"+
		"6\r\nfoobar\r\n3\r\nbaz\r\n0\r\nX-Checksum: abc\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}
	if env.Has("CONTENT_LENGTH") {
		t.Error("chunked requests carry no CONTENT_LENGTH")
	}
	body, err := io.ReadAll(ioAdapter{env.Input()})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "foobarbaz" {
		t.Errorf("body = %q", body)
	}
	// the declared trailer lands in the env once the body is consumed
	if got := env.Get("HTTP_X_CHECKSUM"); got != "abc" {
		t.Errorf("HTTP_X_CHECKSUM = %q", got)
	}
	if size, err := env.Input().Size(); err != nil || size != 9 {
		t.Errorf("size = %d, %v", size, err)
	}
}

func TestReadRequestExpectContinue(t *testing.T) {
	env, err := feedRequest(t, "PUT /big HTTP/1.1\r\n"+
		"Expect: 100-continue\r\n"+
		"Content-Length: 4\r\n"+
		"\r\n"+
		"data")
	if err != nil {
		t.Fatal(err)
	}
	if env.Get("HTTP_EXPECT") != "100-continue" {
		t.Errorf("HTTP_EXPECT = %q", env.Get("HTTP_EXPECT"))
	}
}

func TestReadRequestHeadSplitAcrossReads(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go func() {
		for _, part := range []string{"GET / HT", "TP/1.1\r\nHo", "st: x\r\n", "\r\n"} {
			client.Write([]byte(part))
		}
	}()
	env, err := readRequest(server, testConfig(), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if env.Get("HTTP_HOST") != "x" {
		t.Errorf("HTTP_HOST = %q", env.Get("HTTP_HOST"))
	}
}

func TestReadRequestOversizedHead(t *testing.T) {
	raw := "GET / HTTP/1.1\r\n" + strings.Repeat("X-Big: stuff\r\n", 15000) + "\r\n"
	_, err := feedRequest(t, raw)
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != StatusEntityTooLarge {
		t.Fatalf("got %v, want 413", err)
	}
}

func TestReadRequestMalformed(t *testing.T) {
	_, err := feedRequest(t, "NOT A REQUEST\r\n\r\n")
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != StatusBadRequest {
		t.Fatalf("got %v, want 400", err)
	}
}

func TestReadRequestClientGone(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	go func() {
		client.Write([]byte("GET / HT")) // half a request-line, then hang up
		client.Close()
	}()
	_, err := readRequest(server, testConfig(), testLogger(t))
	if !IsClientDisconnect(err) {
		t.Fatalf("got %v, want client disconnect", err)
	}
}

func TestPathInfoForms(t *testing.T) {
	for target, want := range map[string]string{
		"/plain":                       "/plain",
		"/q?x=1":                       "/q?x=1", // pathInfo gets the path only in practice
		"http://example.com/abs/path":  "/abs/path",
		"http://example.com":           "/",
		"*":                            "",
	} {
		if got := pathInfo(target); got != want {
			t.Errorf("pathInfo(%q) = %q, want %q", target, got, want)
		}
	}
}
