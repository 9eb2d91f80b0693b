// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// TCP for Linux.

package system

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ConnEstablished reports whether the TCP connection behind rawConn is
// still in a state we can write a response to. Used to skip invoking
// the application for clients that already hung up.
func ConnEstablished(rawConn syscall.RawConn) bool {
	alive := true
	rawConn.Control(func(fd uintptr) {
		info, err := unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
		if err != nil {
			return // can't tell, assume alive
		}
		switch info.State {
		case unix.BPF_TCP_ESTABLISHED, unix.BPF_TCP_CLOSE_WAIT:
			alive = true
		default:
			alive = false
		}
	})
	return alive
}
