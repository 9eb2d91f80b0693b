// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build !linux

// TCP for other platforms: no TCP_INFO, assume the peer is still there.

package system

import "syscall"

func ConnEstablished(rawConn syscall.RawConn) bool { return true }
