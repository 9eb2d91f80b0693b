// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build !linux

// Net for other platforms. TCP_DEFER_ACCEPT and TCP_CORK are
// Linux-only; the rest degrades gracefully.

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

func SetDeferAccept(rawConn syscall.RawConn) error { return nil }

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

func SetNopush(rawConn syscall.RawConn, nopush bool) {}

func Umask(mask int) (old int) {
	return unix.Umask(mask)
}
