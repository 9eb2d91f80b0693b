// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package pitchfork

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func startTestWorker(t *testing.T, app App, cfg *Config) (*Worker, string, chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorker(cfg, testLogger(t), app, []ServedListener{{Ln: ln}})
	done := make(chan struct{})
	go func() {
		w.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		w.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return w, ln.Addr().String(), done
}

func roundTrip(t *testing.T, addr string, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	return string(resp)
}

func helloApp(env *Env) (int, Header, Body) {
	text := "hello " + env.Path()
	h := Header{
		{"Content-Type", "text/plain"},
		{"Content-Length", strconv.Itoa(len(text))},
	}
	return 200, h, StringBody(text)
}

func TestWorkerServesRequest(t *testing.T) {
	cfg := testConfig()
	_, addr, _ := startTestWorker(t, helloApp, cfg)

	resp := roundTrip(t, addr, "GET /abc HTTP/1.1\r\nHost: x\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("response = %q", resp)
	}
	if !strings.HasSuffix(resp, "hello /abc") {
		t.Errorf("response = %q", resp)
	}
	if !strings.Contains(resp, "Connection: close\r\n") {
		t.Error("missing Connection: close")
	}
}

func TestWorkerServesSequentially(t *testing.T) {
	// one request at a time, but the worker survives each and keeps going
	cfg := testConfig()
	w, addr, _ := startTestWorker(t, helloApp, cfg)

	for i := 0; i < 5; i++ {
		resp := roundTrip(t, addr, "GET /n HTTP/1.1\r\nHost: x\r\n\r\n")
		if !strings.HasPrefix(resp, "HTTP/1.1 200") {
			t.Fatalf("request %d: %q", i, resp)
		}
	}
	if w.Requests() != 5 {
		t.Errorf("requests = %d", w.Requests())
	}
}

func TestWorkerSurvivesBadRequest(t *testing.T) {
	// an oversized header closes that connection only; the next
	// connection is served normally
	cfg := testConfig()
	_, addr, _ := startTestWorker(t, helloApp, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	big := strings.Repeat("X-Big: stuff\r\n", 15000)
	conn.Write([]byte("GET / HTTP/1.1\r\n" + big))
	resp, _ := io.ReadAll(conn)
	conn.Close()
	if !strings.Contains(string(resp), "413") {
		t.Errorf("oversized header answer = %q", resp)
	}

	again := roundTrip(t, addr, "GET /ok HTTP/1.1\r\nHost: x\r\n\r\n")
	if !strings.HasPrefix(again, "HTTP/1.1 200") {
		t.Errorf("followup = %q", again)
	}
}

func TestWorkerTrickledRequest(t *testing.T) {
	cfg := testConfig()
	_, addr, _ := startTestWorker(t, helloApp, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	for i := 0; i < len(raw); i++ {
		if _, err := conn.Write([]byte{raw[i]}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.1 200") {
		t.Errorf("response = %q", resp)
	}
}

func TestWorkerAppPanicAnswers500(t *testing.T) {
	cfg := testConfig()
	panicApp := func(env *Env) (int, Header, Body) { panic("boom") }
	_, addr, _ := startTestWorker(t, panicApp, cfg)

	resp := roundTrip(t, addr, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 500") {
		t.Errorf("response = %q", resp)
	}
}

func TestWorkerContinueHandshake(t *testing.T) {
	cfg := testConfig()
	first := true
	expectApp := func(env *Env) (int, Header, Body) {
		if env.Get("HTTP_EXPECT") == "100-continue" && first {
			first = false
			return 100, nil, nil
		}
		body, _ := io.ReadAll(ioAdapter{env.Input()})
		h := Header{{"Content-Length", strconv.Itoa(len(body))}}
		return 200, h, BytesBody(body)
	}
	_, addr, _ := startTestWorker(t, expectApp, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("PUT /up HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n"))
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 100") {
		t.Fatalf("interim = %q", line)
	}
	// skip the blank line after the interim response
	if blank, _ := br.ReadString('\n'); blank != "\r\n" {
		t.Fatalf("after interim: %q", blank)
	}
	conn.Write([]byte("data"))
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(rest), "HTTP/1.1 200") || !strings.HasSuffix(string(rest), "data") {
		t.Errorf("final = %q", rest)
	}
}

func TestWorkerTicks(t *testing.T) {
	cfg := testConfig()
	var ticks atomic.Int64
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorker(cfg, testLogger(t), helloApp, []ServedListener{{Ln: ln}})
	w.Tick = func(requests int64) { ticks.Add(1) }
	done := make(chan struct{})
	go func() {
		w.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		w.Stop()
		<-done
	})

	roundTrip(t, ln.Addr().String(), "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ticks.Load() == 0 {
		t.Error("no ticks observed")
	}
}

func TestWorkerGracefulStop(t *testing.T) {
	cfg := testConfig()
	release := make(chan struct{})
	slowApp := func(env *Env) (int, Header, Body) {
		<-release
		return 200, Header{{"Content-Length", "4"}}, StringBody("done")
	}
	w, addr, done := startTestWorker(t, slowApp, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("GET /slow HTTP/1.1\r\nHost: x\r\n\r\n"))
	time.Sleep(100 * time.Millisecond) // let the worker pick it up

	w.Stop()
	select {
	case <-done:
		t.Fatal("worker exited with a request in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release) // the in-flight request completes, then the worker exits
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(resp), "done") {
		t.Errorf("drained response = %q", resp)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("worker did not exit after drain")
	}
}
