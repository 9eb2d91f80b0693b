// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Control-channel messages between master, workers, and the mold.
// msg = head + body; head = comd(8) + nArgs(8) + size(16);
// body = nArgs * (nameSize(8) + valueSize(16) + name + value).

package common

import (
	"io"
)

const ( // commands
	ComdLogin    uint8 = iota + 1 // worker -> master: nr, gen, pid, key
	ComdTick                      // worker -> master: requests
	ComdQuit                      // master -> worker/mold: finish and exit
	ComdReopen                    // master -> worker: reopen log targets
	ComdPromote                   // master -> worker: become the mold of generation gen
	ComdPromoted                  // mold -> master: promotion complete
	ComdSpawn                     // master -> mold: spawn a worker into slot nr
	ComdSpawned                   // mold -> master: nr, pid, gen
	ComdExit                      // mold -> master: reaped child pid, status
)

const maxMsgSize = 0xffff

// Message is one control frame.
type Message struct {
	Comd uint8
	Args map[string]string
}

func NewMessage(comd uint8) *Message {
	return &Message{Comd: comd, Args: make(map[string]string)}
}

func (m *Message) Get(name string) string { return m.Args[name] }
func (m *Message) Set(name string, value string) {
	if m.Args == nil {
		m.Args = make(map[string]string)
	}
	m.Args[name] = value
}

func Send(writer io.Writer, msg *Message) bool {
	nArgs := len(msg.Args)
	if nArgs > 255 {
		return false
	}
	size := 0
	for name, value := range msg.Args {
		if len(name) > 255 {
			return false
		}
		size += 3 + len(name) + len(value)
		if size > maxMsgSize {
			return false
		}
	}
	buffer := make([]byte, 4, 4+size)
	buffer[0] = msg.Comd
	buffer[1] = uint8(nArgs)
	buffer[2], buffer[3] = uint8(size>>8), uint8(size)
	for name, value := range msg.Args {
		buffer = append(buffer, uint8(len(name)), uint8(len(value)>>8), uint8(len(value)))
		buffer = append(buffer, name...)
		buffer = append(buffer, value...)
	}
	_, err := writer.Write(buffer)
	return err == nil
}

func Recv(reader io.Reader) (*Message, bool) {
	var head [4]byte
	if _, err := io.ReadFull(reader, head[:]); err != nil {
		return nil, false
	}
	msg := &Message{Comd: head[0]}
	nArgs := int(head[1])
	size := int(head[2])<<8 | int(head[3])
	if size == 0 {
		return msg, nArgs == 0
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, false
	}
	msg.Args = make(map[string]string, nArgs)
	at := 0
	for i := 0; i < nArgs; i++ {
		if at+3 > size {
			return nil, false
		}
		nameSize := int(body[at])
		valueSize := int(body[at+1])<<8 | int(body[at+2])
		at += 3
		if at+nameSize+valueSize > size {
			return nil, false
		}
		name := string(body[at : at+nameSize])
		at += nameSize
		msg.Args[name] = string(body[at : at+valueSize])
		at += valueSize
	}
	return msg, at == size
}

// Tell sends msg and ignores whether the peer is still there; channel
// loss is detected by the receive side anyway.
func Tell(writer io.Writer, msg *Message) { Send(writer, msg) }
