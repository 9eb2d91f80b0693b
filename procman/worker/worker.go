// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Worker process: dial back to the master, serve requests with
// liveness ticks, and switch into mold mode when promoted.

package worker

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/JeffUlan/pitchfork"
	"github.com/JeffUlan/pitchfork/library/system"
	"github.com/JeffUlan/pitchfork/procman/common"
)

type workerState struct {
	cfg        *pitchfork.Config
	logger     *pitchfork.Logger
	token      common.WorkerToken
	conn       net.Conn
	connMu     sync.Mutex // ticks and mold reports share the channel
	lfiles     []*os.File // inherited listener fds, kept open for mold spawning
	listeners  []pitchfork.ServedListener
	promoteGen atomic.Int64
}

func (s *workerState) tell(msg *common.Message) {
	s.connMu.Lock()
	common.Send(s.conn, msg)
	s.connMu.Unlock()
}

// Main runs a worker process until exit. The token came from the
// private bootstrap env var.
func Main(cfg *pitchfork.Config, token common.WorkerToken) {
	logger, err := pitchfork.NewLogger(cfg.LogFile)
	if err != nil {
		common.Crash("worker: " + err.Error())
	}
	s := &workerState{cfg: cfg, logger: logger, token: token}

	conn, err := net.Dial("unix", token.Gate)
	if err != nil {
		common.Crash("worker: dial master failed: " + err.Error())
	}
	s.conn = conn
	login := common.NewMessage(common.ComdLogin)
	login.Set("nr", strconv.Itoa(token.Nr))
	login.Set("gen", strconv.Itoa(token.Generation))
	login.Set("pid", strconv.Itoa(os.Getpid()))
	login.Set("key", token.Key)
	s.tell(login)

	s.inheritListeners()

	info := pitchfork.WorkerInfo{Nr: token.Nr, Pid: os.Getpid(), Generation: token.Generation}
	if hook := cfg.Hooks.AfterFork; hook != nil {
		hook(info)
	}
	app := cfg.NewApp()
	w := pitchfork.NewWorker(cfg, logger, app, s.listeners)
	w.Tick = func(requests int64) {
		msg := common.NewMessage(common.ComdTick)
		msg.Set("requests", strconv.FormatInt(requests, 10))
		s.tell(msg)
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGQUIT {
				w.Stop()
			} else {
				os.Exit(0)
			}
		}
	}()
	go s.controlLoop(w)

	if hook := cfg.Hooks.AfterWorkerReady; hook != nil {
		hook(info)
	}
	logger.Logf("worker=%d gen=%d ready", token.Nr, token.Generation)
	w.Serve()

	if gen := s.promoteGen.Load(); gen > 0 {
		s.moldMain(int(gen), info)
	}
	os.Exit(0)
}

// inheritListeners adopts the listener fds placed after stderr by the
// spawner, pairing each with its configured per-address options. The
// original files stay open: a future promotion needs them for its own
// children.
func (s *workerState) inheritListeners() {
	list := os.Getenv("PITCHFORK_FD")
	if list == "" {
		common.Crash("worker: no inherited listeners")
	}
	for _, part := range strings.Split(list, ",") {
		fd, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			common.Crash("worker: bad fd list: " + list)
		}
		file := os.NewFile(uintptr(fd), "listener")
		ln, err := net.FileListener(file)
		if err != nil {
			common.Crash("worker: inherit fd " + part + ": " + err.Error())
		}
		s.lfiles = append(s.lfiles, file)
		s.listeners = append(s.listeners, pitchfork.ServedListener{
			Ln:      ln,
			Options: s.optionsFor(ln),
		})
	}
}

// optionsFor finds the configured options of an inherited listener by
// its bound address. Listeners outside the config (socket activation)
// get zero options.
func (s *workerState) optionsFor(ln net.Listener) pitchfork.ListenOptions {
	name := ln.Addr().String()
	for _, b := range s.cfg.Listen {
		if _, address, err := pitchfork.CanonAddr(b.Addr); err == nil && address == name {
			return b.Options
		}
	}
	return pitchfork.ListenOptions{}
}

// controlLoop handles master commands for the serving phase. Losing
// the channel means the master is gone; stop serving and exit.
func (s *workerState) controlLoop(w *pitchfork.Worker) {
	for {
		msg, ok := common.Recv(s.conn)
		if !ok {
			s.logger.Logf("master went away, stopping")
			w.Stop()
			return
		}
		switch msg.Comd {
		case common.ComdQuit:
			w.Stop()
			return
		case common.ComdReopen:
			w.RequestReopen()
		case common.ComdPromote:
			gen, err := strconv.Atoi(msg.Get("gen"))
			if err != nil || gen <= 0 {
				continue
			}
			s.promoteGen.Store(int64(gen))
			w.Stop() // drain the in-flight request, then Serve returns
			return
		}
	}
}

// moldMain is the post-promotion life: no serving, just spawning
// workers on request and reaping the ones that die.
func (s *workerState) moldMain(gen int, info pitchfork.WorkerInfo) {
	s.logger.Logf("Refork condition met, promoting ourselves")
	info.Generation = gen
	if hook := s.cfg.Hooks.AfterPromotion; hook != nil {
		hook(info)
	}
	for _, sl := range s.listeners { // serving is over; only lfiles stay
		sl.Ln.Close()
	}
	s.tell(common.NewMessage(common.ComdPromoted))

	chld := make(chan os.Signal, 8)
	signal.Notify(chld, syscall.SIGCHLD)
	go func() {
		for range chld {
			s.reapChildren()
		}
	}()

	// the mold no longer serves, but it still owes the master liveness
	ticker := time.NewTicker(s.cfg.Timeout / 2)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			msg := common.NewMessage(common.ComdTick)
			msg.Set("requests", "0")
			s.tell(msg)
		}
	}()

	for {
		msg, ok := common.Recv(s.conn)
		if !ok {
			return // master gone
		}
		switch msg.Comd {
		case common.ComdQuit:
			return
		case common.ComdSpawn:
			nr, err := strconv.Atoi(msg.Get("nr"))
			if err != nil {
				continue
			}
			pid, err := s.spawnChild(nr, gen)
			if err != nil {
				s.logger.Logf("mold: spawn worker=%d failed: %v", nr, err)
				continue
			}
			reply := common.NewMessage(common.ComdSpawned)
			reply.Set("nr", strconv.Itoa(nr))
			reply.Set("pid", strconv.Itoa(pid))
			reply.Set("gen", strconv.Itoa(gen))
			s.tell(reply)
		}
	}
}

func (s *workerState) spawnChild(nr int, gen int) (int, error) {
	token := common.WorkerToken{Nr: nr, Generation: gen, Gate: s.token.Gate, Key: s.token.Key}
	fdParts := make([]string, len(s.lfiles))
	for i := range s.lfiles {
		fdParts[i] = strconv.Itoa(3 + i)
	}
	files := append([]*os.File{os.Stdin, os.Stdout, os.Stderr}, s.lfiles...)
	process, err := os.StartProcess(system.ExePath, common.ExeArgs, &os.ProcAttr{
		Env:   common.ChildEnv(token, strings.Join(fdParts, ",")),
		Files: files,
		Sys:   system.DaemonSysAttr(),
	})
	if err != nil {
		return 0, err
	}
	pid := process.Pid
	process.Release()
	return pid, nil
}

// reapChildren reports our dead children to the master, which keeps
// the workers table authoritative even though they are not its own
// children.
func (s *workerState) reapChildren() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		status := ws.ExitStatus()
		if ws.Signaled() {
			status = 128 + int(ws.Signal())
		}
		msg := common.NewMessage(common.ComdExit)
		msg.Set("pid", strconv.Itoa(pid))
		msg.Set("status", strconv.Itoa(status))
		s.tell(msg)
	}
}
