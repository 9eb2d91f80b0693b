// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Shared bits of the master and worker processes.

package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/JeffUlan/pitchfork/library/system"
)

var (
	Program string                                             // set by the command
	ExeArgs = append([]string{system.ExePath}, os.Args[1:]...) // argv for re-exec
)

// EnvWorker is the private env var carrying worker bootstrap data:
// "nr|generation|gatePath|connKey". Its presence makes the process a
// worker.
const EnvWorker = "PITCHFORK_WORKER"

// WorkerToken is the decoded bootstrap data.
type WorkerToken struct {
	Nr         int
	Generation int
	Gate       string // path of the master's control gate
	Key        string // shared secret proving the worker was spawned by us
}

func (t WorkerToken) Encode() string {
	return fmt.Sprintf("%d|%d|%s|%s", t.Nr, t.Generation, t.Gate, t.Key)
}

func DecodeWorkerToken(s string) (WorkerToken, error) {
	parts := strings.SplitN(s, "|", 4)
	if len(parts) != 4 {
		return WorkerToken{}, fmt.Errorf("bad worker token %q", s)
	}
	nr, err := strconv.Atoi(parts[0])
	if err != nil {
		return WorkerToken{}, fmt.Errorf("bad worker token %q", s)
	}
	gen, err := strconv.Atoi(parts[1])
	if err != nil {
		return WorkerToken{}, fmt.Errorf("bad worker token %q", s)
	}
	return WorkerToken{Nr: nr, Generation: gen, Gate: parts[2], Key: parts[3]}, nil
}

// ChildEnv builds the environment for a spawned worker, replacing any
// stale bootstrap vars.
func ChildEnv(token WorkerToken, fdList string) []string {
	env := make([]string, 0, len(os.Environ())+2)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvWorker+"=") || strings.HasPrefix(kv, "PITCHFORK_FD=") ||
			strings.HasPrefix(kv, "LISTEN_FDS=") || strings.HasPrefix(kv, "LISTEN_PID=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, EnvWorker+"="+token.Encode())
	env = append(env, "PITCHFORK_FD="+fdList)
	return env
}

func Crash(s string) {
	fmt.Fprintln(os.Stderr, s)
	os.Exit(1)
}
