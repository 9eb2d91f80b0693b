// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package common

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	msg := NewMessage(ComdSpawned)
	msg.Set("nr", "3")
	msg.Set("pid", "12345")
	msg.Set("gen", "2")
	if !Send(&wire, msg) {
		t.Fatal("send failed")
	}
	got, ok := Recv(&wire)
	if !ok {
		t.Fatal("recv failed")
	}
	if got.Comd != ComdSpawned {
		t.Errorf("comd = %d", got.Comd)
	}
	for _, name := range []string{"nr", "pid", "gen"} {
		if got.Get(name) != msg.Get(name) {
			t.Errorf("%s = %q, want %q", name, got.Get(name), msg.Get(name))
		}
	}
}

func TestMessageNoArgs(t *testing.T) {
	var wire bytes.Buffer
	if !Send(&wire, NewMessage(ComdQuit)) {
		t.Fatal("send failed")
	}
	got, ok := Recv(&wire)
	if !ok || got.Comd != ComdQuit || len(got.Args) != 0 {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestMessageStream(t *testing.T) {
	// several frames back to back on one stream
	var wire bytes.Buffer
	for i, comd := range []uint8{ComdTick, ComdQuit, ComdPromote} {
		msg := NewMessage(comd)
		if i == 0 {
			msg.Set("requests", "42")
		}
		Send(&wire, msg)
	}
	for _, want := range []uint8{ComdTick, ComdQuit, ComdPromote} {
		got, ok := Recv(&wire)
		if !ok || got.Comd != want {
			t.Fatalf("got %+v ok=%v, want comd %d", got, ok, want)
		}
	}
}

func TestMessageTruncated(t *testing.T) {
	var wire bytes.Buffer
	msg := NewMessage(ComdLogin)
	msg.Set("key", "0123456789")
	Send(&wire, msg)
	cut := wire.Bytes()[:wire.Len()-3]
	if _, ok := Recv(bytes.NewReader(cut)); ok {
		t.Fatal("truncated frame accepted")
	}
}

func TestWorkerTokenRoundTrip(t *testing.T) {
	token := WorkerToken{Nr: 2, Generation: 5, Gate: "/tmp/pitchfork-1.ctl", Key: "abc123"}
	decoded, err := DecodeWorkerToken(token.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded != token {
		t.Errorf("decoded = %+v, want %+v", decoded, token)
	}
	if _, err := DecodeWorkerToken("garbage"); err == nil {
		t.Error("garbage token accepted")
	}
	if _, err := DecodeWorkerToken("x|y|gate|key"); err == nil {
		t.Error("non-numeric token accepted")
	}
}
