// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Resolved configuration. Parsing config files and command lines is the
// command's business; the core consumes this struct only.

package pitchfork

import (
	"errors"
	"time"
)

// WorkerInfo is a read-only snapshot of one supervised worker, as
// passed to hooks and the mold selector.
type WorkerInfo struct {
	Nr            int   // slot number, stable across respawns
	Pid           int   // os process id, 0 before spawn
	Generation    int   // generation the worker was forked into
	Requests      int64 // requests served since its generation started
	PrivateMemory int64 // resident private bytes, -1 when unknown
}

// MoldSelector picks which worker to promote when the refork policy
// fires. It gets the current workers and returns the chosen slot.
type MoldSelector func(workers []WorkerInfo) (nr int)

// Hooks are invoked synchronously at lifecycle points. An error or
// panic from a hook running in the master is fatal to the cluster; in a
// worker it crashes just that worker, which is then respawned.
type Hooks struct {
	BeforeFork       func(w WorkerInfo)             // in the master, before each spawn
	AfterFork        func(w WorkerInfo)             // in the child, before serving
	AfterPromotion   func(w WorkerInfo)             // in the new mold
	AfterWorkerReady func(w WorkerInfo)             // in the child, once listeners are armed
	AfterWorkerExit  func(w WorkerInfo, status int) // in the master, after reaping
}

// Config is the resolved server configuration.
type Config struct {
	WorkerProcesses       int
	Timeout               time.Duration // liveness deadline; tickless workers are SIGKILL'd past it
	Listen                []Bind
	ReforkAfter           []int64 // per-generation request thresholds; empty disables auto refork
	RewindableInput       bool
	ClientBodyBufferSize  int // bytes buffered in memory before spilling to disk
	CheckClientConnection bool
	EarlyHints            bool
	LogFile               string // "" logs to stderr
	Hooks                 Hooks
	MoldSelector          MoldSelector
	NewApp                func() App // invoked once in each worker process
}

const (
	defaultTimeout        = 20 * time.Second
	defaultBodyBufferSize = 112 * K
)

// Normalize fills defaults and rejects impossible settings. It must be
// called before the config is handed to the master.
func (c *Config) Normalize() error {
	if c.NewApp == nil {
		return errors.New("config: an application factory is required")
	}
	if c.WorkerProcesses <= 0 {
		c.WorkerProcesses = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.ClientBodyBufferSize <= 0 {
		c.ClientBodyBufferSize = defaultBodyBufferSize
	}
	if len(c.Listen) == 0 {
		c.Listen = []Bind{{Addr: "0.0.0.0:8080"}}
	}
	for i := range c.Listen {
		if _, _, err := CanonAddr(c.Listen[i].Addr); err != nil {
			return err
		}
	}
	for _, threshold := range c.ReforkAfter {
		if threshold <= 0 {
			return errors.New("config: refork thresholds must be positive")
		}
	}
	return nil
}
