// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Request body staging. TeeInput is the rewindable wrapper that spills
// to an unlinked temp file past the memory threshold; StreamInput is
// the forward-only variant used when rewindable input is disabled.

package pitchfork

import (
	"io"
	"os"

	"github.com/valyala/bytebufferpool"
)

// Input is the body reader installed into the request environment.
type Input interface {
	Read(p []byte) (int, error)
	Gets() (string, error)  // one line, '\n' included; io.EOF at end
	Size() (int64, error)   // may force full consumption of a chunked body
	Rewind() error
	Close() error
}

// TeeInput reads the upstream source lazily, copying every byte into a
// backing store so the body can be replayed. The store starts as a
// pooled memory buffer and is promoted to an unlinked temp file once it
// outgrows the configured threshold.
type TeeInput struct {
	src      io.Reader
	length   int64 // declared content-length, -1 when chunked
	memLimit int
	mem      *bytebufferpool.ByteBuffer
	file     *os.File
	filePath string
	stored   int64 // bytes captured in the store
	pos      int64 // read position
	srcDone  bool
	onDone   func() // fires once the source is fully drained
}

func newTeeInput(src io.Reader, length int64, memLimit int, onDone func()) *TeeInput {
	t := new(TeeInput)
	t.src = src
	t.length = length
	t.memLimit = memLimit
	t.mem = bytebufferpool.Get()
	t.onDone = onDone
	return t
}

// Path returns the temp file path once the body spilled, "" before
// that. The path is unlinked immediately after creation, so it never
// resolves on disk.
func (t *TeeInput) Path() string { return t.filePath }

func (t *TeeInput) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if t.pos < t.stored {
		n := t.stored - t.pos
		if int64(len(p)) < n {
			n = int64(len(p))
		}
		m, err := t.readStore(p[:n], t.pos)
		t.pos += int64(m)
		return m, err
	}
	if t.srcDone {
		return 0, io.EOF
	}
	n, err := t.src.Read(p)
	if n > 0 {
		if werr := t.capture(p[:n]); werr != nil {
			return 0, werr
		}
		t.pos += int64(n)
	}
	if err == io.EOF {
		t.finishSrc()
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

func (t *TeeInput) Gets() (string, error) {
	line := make([]byte, 0, 64)
	var one [1]byte
	for {
		n, err := t.Read(one[:])
		if n > 0 {
			line = append(line, one[0])
			if one[0] == '\n' {
				return string(line), nil
			}
			continue
		}
		if err == nil {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			return string(line), nil
		}
		return "", err
	}
}

// Size returns the body length. For chunked bodies this forces the
// whole remaining source into the store without moving the read
// position.
func (t *TeeInput) Size() (int64, error) {
	if t.length >= 0 {
		return t.length, nil
	}
	if err := t.drain(); err != nil {
		return 0, err
	}
	return t.stored, nil
}

func (t *TeeInput) Rewind() error {
	t.pos = 0
	return nil
}

func (t *TeeInput) Close() error {
	if t.mem != nil {
		bytebufferpool.Put(t.mem)
		t.mem = nil
	}
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

func (t *TeeInput) drain() error {
	var scratch [16 * K]byte
	for !t.srcDone {
		n, err := t.src.Read(scratch[:])
		if n > 0 {
			if werr := t.capture(scratch[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			t.finishSrc()
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *TeeInput) finishSrc() {
	t.srcDone = true
	if t.onDone != nil {
		t.onDone()
		t.onDone = nil
	}
}

func (t *TeeInput) readStore(p []byte, off int64) (int, error) {
	if t.file != nil {
		return t.file.ReadAt(p, off)
	}
	return copy(p, t.mem.B[off:off+int64(len(p))]), nil
}

// capture appends body bytes to the store, promoting memory to an
// unlinked temp file at the threshold.
func (t *TeeInput) capture(p []byte) error {
	if t.file == nil {
		if t.mem.Len()+len(p) <= t.memLimit {
			t.mem.Write(p)
			t.stored += int64(len(p))
			return nil
		}
		file, err := os.CreateTemp("", "pitchfork-body-")
		if err != nil {
			return err
		}
		t.filePath = file.Name()
		os.Remove(t.filePath) // vanishes when the fd closes
		if _, err := file.Write(t.mem.B); err != nil {
			file.Close()
			return err
		}
		t.file = file
		bytebufferpool.Put(t.mem)
		t.mem = nil
	}
	_, err := t.file.Write(p)
	if err == nil {
		t.stored += int64(len(p))
	}
	return err
}

// StreamInput is the thin forward-only input: no backing store, no
// rewind, no size-forcing.
type StreamInput struct {
	src    io.Reader
	length int64 // -1 when chunked
	onDone func()
	done   bool
}

func newStreamInput(src io.Reader, length int64, onDone func()) *StreamInput {
	return &StreamInput{src: src, length: length, onDone: onDone}
}

func (s *StreamInput) Read(p []byte) (int, error) {
	n, err := s.src.Read(p)
	if err == io.EOF && !s.done {
		s.done = true
		if s.onDone != nil {
			s.onDone()
			s.onDone = nil
		}
	}
	return n, err
}

func (s *StreamInput) Gets() (string, error) {
	line := make([]byte, 0, 64)
	var one [1]byte
	for {
		n, err := s.Read(one[:])
		if n > 0 {
			line = append(line, one[0])
			if one[0] == '\n' {
				return string(line), nil
			}
			continue
		}
		if err == nil {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			return string(line), nil
		}
		return "", err
	}
}

// Size reports the declared length, -1 when the body is chunked.
func (s *StreamInput) Size() (int64, error) { return s.length, nil }

func (s *StreamInput) Rewind() error { return ErrNotRewindable }

func (s *StreamInput) Close() error { return nil }
