// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Net for Linux.

package system

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func SetReusePort(rawConn syscall.RawConn) (err error) {
	rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	return
}

func SetDeferAccept(rawConn syscall.RawConn) (err error) {
	rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
	})
	return
}

func SetV6Only(rawConn syscall.RawConn) (err error) {
	rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	})
	return
}

func SetRcvbuf(rawConn syscall.RawConn, size int) (err error) {
	rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	})
	return
}

func SetSndbuf(rawConn syscall.RawConn, size int) (err error) {
	rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	})
	return
}

// SetNopush corks the socket so header and body leave in full frames.
func SetNopush(rawConn syscall.RawConn, nopush bool) {
	v := 0
	if nopush {
		v = 1
	}
	rawConn.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, v)
	})
}

func Umask(mask int) (old int) {
	return unix.Umask(mask)
}
