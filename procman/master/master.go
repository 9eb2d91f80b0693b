// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Master process: binds listeners, supervises workers and the mold,
// and runs the signal-driven control loop.

package master

import (
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/JeffUlan/pitchfork"
	"github.com/JeffUlan/pitchfork/library/system"
	"github.com/JeffUlan/pitchfork/procman/common"
)

// proc is one supervised process: a serving worker, a pending spawn,
// or the mold.
type proc struct {
	nr           int
	pid          int
	gen          int
	conn         net.Conn // control channel; nil until login or after loss
	tick         time.Time
	requests     int64 // since its generation started
	mold         bool
	quitSent     bool
	pendingSpawn bool // asked the mold for it, pid not yet reported
	spawnedAt    time.Time
}

func (p *proc) info() pitchfork.WorkerInfo {
	return pitchfork.WorkerInfo{
		Nr:            p.nr,
		Pid:           p.pid,
		Generation:    p.gen,
		Requests:      p.requests,
		PrivateMemory: system.PrivateMemory(p.pid),
	}
}

const ( // master event kinds
	evLogin = iota
	evTick
	evPromoted
	evSpawned
	evExit
	evConnClosed
)

type event struct {
	kind     int
	conn     net.Conn
	token    common.WorkerToken
	pid      int
	status   int
	requests int64
}

// Master supervises the cluster. Everything mutable is owned by the
// control loop goroutine; gate readers only feed the events channel.
type Master struct {
	cfg      *pitchfork.Config
	logger   *pitchfork.Logger
	lset     *pitchfork.ListenerSet
	gate     net.Listener
	gatePath string
	key      string

	procs      []*proc
	mold       *proc // nil while the master itself is the mold
	oldMold    *proc // awaiting termination until the new generation is complete
	promoting  *proc // promote sent, ack pending
	generation int

	events    chan event
	sigs      chan os.Signal
	stopping  bool
	stopBy    time.Time
	lastCheck time.Time
}

// Main runs the master. It returns only via os.Exit.
func Main(cfg *pitchfork.Config) {
	logger, err := pitchfork.NewLogger(cfg.LogFile)
	if err != nil {
		common.Crash("master: " + err.Error())
	}
	m := &Master{
		cfg:    cfg,
		logger: logger,
		events: make(chan event, 64),
		sigs:   make(chan os.Signal, 8),
	}
	m.lset = pitchfork.NewListenerSet(logger)
	if err := m.lset.Inherit(); err != nil {
		common.Crash("master: " + err.Error())
	}
	if err := m.lset.SetListeners(cfg.Listen); err != nil {
		common.Crash("master: " + err.Error())
	}
	if err := system.SetChildSubreaper(); err != nil {
		logger.Debugf("child subreaper unavailable: %v", err)
	}
	m.openGate()
	defer os.Remove(m.gatePath)

	signal.Notify(m.sigs,
		syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT,
		syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGCHLD)

	m.logger.Logf("master ready, worker_processes=%d timeout=%s", cfg.WorkerProcesses, cfg.Timeout)
	m.loop()
}

// openGate binds the control gate every worker dials back to.
func (m *Master) openGate() {
	const digits = "0123456789"
	key := make([]byte, 32)
	for i := range key {
		key[i] = digits[rand.Intn(len(digits))]
	}
	m.key = string(key)
	m.gatePath = filepath.Join(os.TempDir(), "pitchfork-"+strconv.Itoa(os.Getpid())+".ctl")
	os.Remove(m.gatePath)
	gate, err := net.Listen("unix", m.gatePath)
	if err != nil {
		common.Crash("master: control gate: " + err.Error())
	}
	m.gate = gate
	go m.acceptGate()
}

func (m *Master) acceptGate() {
	for {
		conn, err := m.gate.Accept()
		if err != nil {
			return
		}
		go m.serveGateConn(conn)
	}
}

// serveGateConn owns all reads on one worker's control connection.
func (m *Master) serveGateConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	login, ok := common.Recv(conn)
	if !ok || login.Comd != common.ComdLogin || login.Get("key") != m.key {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	nr, _ := strconv.Atoi(login.Get("nr"))
	gen, _ := strconv.Atoi(login.Get("gen"))
	pid, _ := strconv.Atoi(login.Get("pid"))
	token := common.WorkerToken{Nr: nr, Generation: gen}
	m.events <- event{kind: evLogin, conn: conn, token: token, pid: pid}
	for {
		msg, ok := common.Recv(conn)
		if !ok {
			m.events <- event{kind: evConnClosed, pid: pid, token: token}
			conn.Close()
			return
		}
		switch msg.Comd {
		case common.ComdTick:
			requests, _ := strconv.ParseInt(msg.Get("requests"), 10, 64)
			m.events <- event{kind: evTick, pid: pid, token: token, requests: requests}
		case common.ComdPromoted:
			m.events <- event{kind: evPromoted, pid: pid, token: token}
		case common.ComdSpawned:
			snr, _ := strconv.Atoi(msg.Get("nr"))
			spid, _ := strconv.Atoi(msg.Get("pid"))
			m.events <- event{kind: evSpawned, pid: spid, token: common.WorkerToken{Nr: snr, Generation: m.generationOf(msg)}}
		case common.ComdExit:
			epid, _ := strconv.Atoi(msg.Get("pid"))
			status, _ := strconv.Atoi(msg.Get("status"))
			m.events <- event{kind: evExit, pid: epid, status: status}
		}
	}
}

func (m *Master) generationOf(msg *common.Message) int {
	gen, _ := strconv.Atoi(msg.Get("gen"))
	return gen
}

// loop is the single control loop: reap, murder, maintain, refork, then
// sleep until one wakeup (signal, event or timer) and handle it.
func (m *Master) loop() {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	for {
		m.reap()
		bound := m.murderLazyWorkers()
		if m.stopping {
			m.checkStopped()
		} else {
			m.settlePromotion()
			m.maintainWorkerCount()
			m.reforkPolicy()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(bound)
		select {
		case sig := <-m.sigs:
			m.handleSignal(sig)
		case ev := <-m.events:
			m.handleEvent(ev)
			m.drainEvents()
		case <-timer.C:
		}
	}
}

func (m *Master) drainEvents() {
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		default:
			return
		}
	}
}

// reap collects terminated children without blocking. With the
// subreaper set this also catches workers orphaned by a dead mold.
func (m *Master) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return // ECHILD is benign
		}
		status := ws.ExitStatus()
		if ws.Signaled() {
			status = 128 + int(ws.Signal())
		}
		m.onExit(pid, status)
	}
}

func (m *Master) handleEvent(ev event) {
	switch ev.kind {
	case evLogin:
		m.onLogin(ev.conn, ev.token, ev.pid)
	case evTick:
		if p := m.findPid(ev.pid); p != nil {
			p.tick = time.Now()
			p.requests = ev.requests
		}
	case evPromoted:
		m.onPromoted(ev.pid)
	case evSpawned:
		m.onSpawned(ev.token.Nr, ev.pid, ev.token.Generation)
	case evExit:
		m.onExit(ev.pid, ev.status)
	case evConnClosed:
		m.onConnClosed(ev.pid)
	}
}

func (m *Master) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGQUIT:
		m.logger.Logf("QUIT received, shutting down gracefully")
		m.beginStop(false)
	case syscall.SIGTERM, syscall.SIGINT:
		m.logger.Logf("%s received, shutting down immediately", sig)
		m.beginStop(true)
	case syscall.SIGUSR1:
		m.logger.Logf("reopening logs")
		if err := m.logger.Reopen(); err != nil {
			m.logger.Logf("log reopen failed: %v", err)
		}
		m.tellAll(common.ComdReopen)
	case syscall.SIGUSR2:
		m.logger.Logf("USR2 received, requesting promotion")
		m.triggerRefork()
	case syscall.SIGTTIN:
		m.cfg.WorkerProcesses++
		m.logger.Logf("worker_processes raised to %d", m.cfg.WorkerProcesses)
	case syscall.SIGTTOU:
		if m.cfg.WorkerProcesses > 0 {
			m.cfg.WorkerProcesses--
		}
		m.logger.Logf("worker_processes lowered to %d", m.cfg.WorkerProcesses)
	case syscall.SIGCHLD:
		// reaped at the top of the loop
	}
}

func (m *Master) tellAll(comd uint8) {
	for _, p := range m.procs {
		if p.conn != nil {
			common.Tell(p.conn, common.NewMessage(comd))
		}
	}
}

// beginStop starts shutdown. Graceful waits up to the timeout for
// in-flight requests; immediate TERMs everyone.
func (m *Master) beginStop(immediate bool) {
	if !m.stopping {
		m.stopping = true
		m.stopBy = time.Now().Add(m.cfg.Timeout)
		m.gate.Close()
		m.lset.Close() // stop accepting cluster-wide
	}
	if immediate {
		m.stopBy = time.Now()
		for _, p := range m.procs {
			if p.pid > 0 {
				unix.Kill(p.pid, syscall.SIGTERM)
			}
		}
		return
	}
	for _, p := range append([]*proc(nil), m.procs...) {
		m.softKill(p)
	}
}

func (m *Master) checkStopped() {
	live := 0
	for _, p := range m.procs {
		if p.pid > 0 || p.pendingSpawn {
			live++
		}
	}
	if live == 0 {
		m.logger.Logf("master exiting")
		os.Remove(m.gatePath)
		os.Exit(0)
	}
	if time.Now().After(m.stopBy) {
		for _, p := range append([]*proc(nil), m.procs...) {
			if p.pid > 0 {
				unix.Kill(p.pid, syscall.SIGKILL)
			} else {
				m.remove(p, -1)
			}
		}
		m.stopBy = time.Now().Add(time.Second) // re-KILL cadence while zombies drain
	}
}

// softKill asks a worker to finish its in-flight request and exit.
func (m *Master) softKill(p *proc) {
	if p.quitSent {
		return
	}
	p.quitSent = true
	if p.conn != nil {
		common.Tell(p.conn, common.NewMessage(common.ComdQuit))
	} else if p.pid > 0 {
		unix.Kill(p.pid, syscall.SIGQUIT)
	} else {
		m.remove(p, -1) // a pending spawn that never materialized
	}
}

// murderLazyWorkers SIGKILLs workers whose tick went stale, returning
// the bound for the next sleep. A large gap since the last check means
// the machine was suspended; killing is skipped for one round then.
func (m *Master) murderLazyWorkers() time.Duration {
	now := time.Now()
	bound := m.cfg.Timeout / 2
	if bound <= 0 {
		bound = time.Second
	}
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) > m.cfg.Timeout {
		m.lastCheck = now
		m.logger.Logf("long loop gap detected (suspend/resume?), skipping timeout checks")
		return bound
	}
	m.lastCheck = now
	for _, p := range m.procs {
		if p.pid <= 0 || p.tick.IsZero() {
			continue
		}
		stale := now.Sub(p.tick)
		if stale > m.cfg.Timeout {
			m.logger.Logf("worker=%d pid=%d gen=%d timeout (%s > %s), killing", p.nr, p.pid, p.gen, stale, m.cfg.Timeout)
			unix.Kill(p.pid, syscall.SIGKILL)
			continue
		}
		if left := m.cfg.Timeout - stale; left < bound {
			bound = left
		}
	}
	if bound < 100*time.Millisecond {
		bound = 100 * time.Millisecond
	}
	return bound
}

// maintainWorkerCount spawns missing slots of the current generation
// and retires slots beyond worker_processes.
func (m *Master) maintainWorkerCount() {
	now := time.Now()
	// retire excess slots
	for _, p := range append([]*proc(nil), m.procs...) {
		if !p.mold && p.nr >= m.cfg.WorkerProcesses {
			m.softKill(p)
		}
	}
	// drop mold spawns that never reported back
	for _, p := range append([]*proc(nil), m.procs...) {
		if p.pendingSpawn && now.Sub(p.spawnedAt) > 5*time.Second {
			m.logger.Logf("spawn of worker=%d via mold timed out, falling back", p.nr)
			m.remove(p, -1)
			m.mold = nil // the mold is not doing its job
		}
	}
	for nr := 0; nr < m.cfg.WorkerProcesses; nr++ {
		if m.slotFilled(nr) {
			continue
		}
		m.spawnWorker(nr)
	}
}

func (m *Master) slotFilled(nr int) bool {
	for _, p := range m.procs {
		if !p.mold && p.nr == nr && p.gen == m.generation && !p.quitSent {
			return true
		}
	}
	return false
}

func (m *Master) spawnWorker(nr int) {
	if hook := m.cfg.Hooks.BeforeFork; hook != nil {
		hook(pitchfork.WorkerInfo{Nr: nr, Generation: m.generation})
	}
	if m.mold != nil && m.mold.conn != nil {
		msg := common.NewMessage(common.ComdSpawn)
		msg.Set("nr", strconv.Itoa(nr))
		common.Tell(m.mold.conn, msg)
		m.procs = append(m.procs, &proc{nr: nr, gen: m.generation, pendingSpawn: true, spawnedAt: time.Now()})
		return
	}
	pid, err := m.spawnDirect(nr)
	if err != nil {
		m.logger.Logf("spawn worker=%d failed: %v", nr, err)
		return
	}
	m.procs = append(m.procs, &proc{nr: nr, pid: pid, gen: m.generation, spawnedAt: time.Now(), tick: time.Now()})
	m.logger.Logf("spawned worker=%d pid=%d gen=%d", nr, pid, m.generation)
}

// spawnDirect re-execs a worker from the master itself: the gen-0 path,
// and the fallback whenever there is no usable mold.
func (m *Master) spawnDirect(nr int) (int, error) {
	lfiles, err := m.lset.Files()
	if err != nil {
		return 0, err
	}
	token := common.WorkerToken{Nr: nr, Generation: m.generation, Gate: m.gatePath, Key: m.key}
	files := append([]*os.File{os.Stdin, os.Stdout, os.Stderr}, lfiles...)
	process, err := os.StartProcess(system.ExePath, common.ExeArgs, &os.ProcAttr{
		Env:   common.ChildEnv(token, m.lset.FDList(3)),
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

func (m *Master) findPid(pid int) *proc {
	for _, p := range m.procs {
		if p.pid == pid && pid > 0 {
			return p
		}
	}
	return nil
}

func (m *Master) onLogin(conn net.Conn, token common.WorkerToken, pid int) {
	p := m.findPid(pid)
	if p == nil { // spawned by the mold; adopt the pending slot
		for _, cand := range m.procs {
			if cand.pendingSpawn && cand.nr == token.Nr && cand.gen == token.Generation {
				p = cand
				break
			}
		}
	}
	if p == nil {
		m.logger.Logf("unexpected login from pid=%d worker=%d gen=%d", pid, token.Nr, token.Generation)
		p = &proc{nr: token.Nr, gen: token.Generation}
		m.procs = append(m.procs, p)
	}
	p.pid = pid
	p.pendingSpawn = false
	p.conn = conn
	p.tick = time.Now()
	m.logger.Logf("worker=%d pid=%d gen=%d joined", p.nr, pid, p.gen)
	if m.stopping {
		m.softKill(p)
		return
	}
	// slot handover: the previous generation's worker drains now
	for _, old := range append([]*proc(nil), m.procs...) {
		if old != p && !old.mold && old.nr == p.nr && old.gen < p.gen {
			m.softKill(old)
		}
	}
}

func (m *Master) onSpawned(nr int, pid int, gen int) {
	for _, p := range m.procs {
		if p.pendingSpawn && p.nr == nr {
			p.pid = pid
			p.tick = time.Now()
			m.logger.Logf("mold spawned worker=%d pid=%d gen=%d", nr, pid, p.gen)
			return
		}
	}
}

func (m *Master) onConnClosed(pid int) {
	p := m.findPid(pid)
	if p == nil {
		return
	}
	p.conn = nil
	// If the process is already gone and nobody can reap it for us,
	// drop it from the table now.
	if p.pid > 0 && unix.Kill(p.pid, 0) != nil {
		m.remove(p, -1)
	}
}

func (m *Master) onExit(pid int, status int) {
	p := m.findPid(pid)
	if p == nil {
		return
	}
	if p.mold {
		m.logger.Logf("mold pid=%d died (status=%d), falling back to forking from master", pid, status)
		m.mold = nil
	}
	if m.promoting == p {
		m.promoting = nil
	}
	if m.oldMold == p {
		m.oldMold = nil
	}
	m.remove(p, status)
}

func (m *Master) remove(p *proc, status int) {
	kept := m.procs[:0]
	found := false
	for _, q := range m.procs {
		if q == p {
			found = true
			continue
		}
		kept = append(kept, q)
	}
	m.procs = kept
	if !found {
		return
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if p.pid > 0 {
		m.logger.Logf("worker=%d pid=%d gen=%d exited (status=%d)", p.nr, p.pid, p.gen, status)
		if hook := m.cfg.Hooks.AfterWorkerExit; hook != nil {
			hook(p.info(), status)
		}
	}
}
