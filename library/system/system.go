// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package system hides OS differences: socket options, process
// plumbing, and memory statistics.

package system

import (
	"os"
	"path/filepath"
)

var (
	ExePath string // absolute path of the current executable
	ExeDir  string
)

func init() {
	path, err := os.Executable()
	if err != nil {
		path = os.Args[0]
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	ExePath = path
	ExeDir = filepath.Dir(path)
}
