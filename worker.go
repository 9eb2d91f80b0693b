// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The worker's accept-and-serve loop: one request at a time, liveness
// ticks before each wait and after each request.

package pitchfork

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/JeffUlan/pitchfork/library/system"
)

// ServedListener pairs a listener with the per-address options the
// worker applies to connections accepted from it.
type ServedListener struct {
	Ln      net.Listener
	Options ListenOptions
}

// accepted is one connection waiting to be served, tagged with the
// options of the listener it arrived on.
type accepted struct {
	conn net.Conn
	opts ListenOptions
}

// Worker serves requests inside a worker process. The process-level
// plumbing (control channel, signals, promotion) lives in
// procman/worker; this type only accepts and serves.
type Worker struct {
	cfg       *Config
	logger    *Logger
	app       App
	listeners []ServedListener
	conns     chan accepted
	stop      chan struct{}
	stopOnce  sync.Once
	reopen    atomic.Bool
	requests  atomic.Int64

	// Tick reports liveness and the request counter to the supervisor.
	// Called before each wait and after each served request.
	Tick func(requests int64)
}

func NewWorker(cfg *Config, logger *Logger, app App, listeners []ServedListener) *Worker {
	return &Worker{
		cfg:       cfg,
		logger:    logger,
		app:       app,
		listeners: listeners,
		conns:     make(chan accepted),
		stop:      make(chan struct{}),
	}
}

func (w *Worker) Requests() int64 { return w.requests.Load() }

// RequestReopen asks the loop to reopen log targets before its next wait.
func (w *Worker) RequestReopen() { w.reopen.Store(true) }

// Stop closes the listeners so pending accepts return, then lets Serve
// drain its in-flight request (there is at most one) and exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		for _, sl := range w.listeners {
			sl.Ln.Close()
		}
		close(w.stop)
	})
}

// Serve runs the accept loop until Stop. Each listener gets an accept
// goroutine feeding an unbuffered channel; the loop itself serves one
// connection at a time, which is the whole concurrency model.
func (w *Worker) Serve() {
	for _, sl := range w.listeners {
		go w.acceptLoop(sl)
	}
	waitBound := w.cfg.Timeout / 2
	if waitBound <= 0 {
		waitBound = time.Second
	}
	timer := time.NewTimer(waitBound)
	defer timer.Stop()
	for {
		w.tick()
		if w.reopen.CompareAndSwap(true, false) {
			if err := w.logger.Reopen(); err != nil {
				if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
					w.logger.Logf("log reopen refused: %v", err)
					os.Exit(CodeReopenFail)
				}
				w.logger.Logf("log reopen failed: %v", err)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(waitBound)
		select {
		case <-w.stop:
			w.drainPending()
			return
		case in := <-w.conns:
			w.serveConn(in.conn, in.opts)
			w.requests.Add(1)
			w.tick()
		case <-timer.C:
			// idle; loop to tick again
		}
	}
}

func (w *Worker) tick() {
	if w.Tick != nil {
		w.Tick(w.requests.Load())
	}
}

func (w *Worker) acceptLoop(sl ServedListener) {
	for {
		conn, err := sl.Ln.Accept()
		if err != nil {
			return // listener closed, or beyond repair
		}
		select {
		case w.conns <- accepted{conn: conn, opts: sl.Options}:
		case <-w.stop:
			conn.Close()
			return
		}
	}
}

// drainPending closes connections that were accepted but never served.
func (w *Worker) drainPending() {
	for {
		select {
		case in := <-w.conns:
			in.conn.Close()
		default:
			return
		}
	}
}

// serveConn runs one request/response cycle. Errors stay confined to
// this connection; the worker returns to accepting afterward.
func (w *Worker) serveConn(conn net.Conn, opts ListenOptions) {
	hijacked := false
	defer func() {
		if !hijacked {
			conn.Close()
		}
	}()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(opts.TCPNodelay)
	}

	env, err := readRequest(conn, w.cfg, w.logger)
	if err != nil {
		w.answerError(conn, err)
		return
	}
	defer env.input.Close()

	if w.cfg.CheckClientConnection && !connAlive(conn) {
		w.logger.Debugf("client gone before dispatch, skipping")
		return
	}

	resp := newResponseWriter(conn)
	if w.cfg.EarlyHints {
		env.earlyHints = resp.SendEarlyHints
	}

	status, header, body, appErr := w.invokeApp(env)
	if appErr != nil {
		w.logger.Logf("app error: %v", appErr)
		resp.writeError(StatusInternalError)
		return
	}
	if status == StatusContinue && !env.hijacked {
		if err := resp.SendContinue(); err != nil {
			w.logger.Debugf("write 100: %v", err)
			return
		}
		status, header, body, appErr = w.invokeApp(env)
		if appErr != nil {
			w.logger.Logf("app error: %v", appErr)
			resp.writeError(StatusInternalError)
			return
		}
	}
	if env.hijacked {
		hijacked = true
		if body != nil {
			body.Close()
		}
		return
	}
	if err := resp.WriteResponse(status, header, body); err != nil {
		if IsClientDisconnect(err) {
			w.logger.Debugf("client disconnected mid-response: %v", err)
		} else {
			w.logger.Logf("write response: %v", err)
		}
	}
	for _, fn := range env.afterReply {
		fn()
	}
}

// invokeApp calls the application, converting a panic into an error.
func (w *Worker) invokeApp(env *Env) (status int, header Header, body Body, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v\n%s", v, debug.Stack())
		}
	}()
	status, header, body = w.app(env)
	if body == nil {
		body = BytesBody()
	}
	return
}

func (w *Worker) answerError(conn net.Conn, err error) {
	var herr *HTTPError
	if errors.As(err, &herr) {
		w.logger.Debugf("request refused: %v", err)
		newResponseWriter(conn).writeError(herr.Status)
		discardRemainder(conn)
		return
	}
	if IsClientDisconnect(err) {
		w.logger.Debugf("client disconnected: %v", err)
		return
	}
	w.logger.Logf("read request: %v", err)
}

// discardRemainder drains what the client is still sending so the
// close below is a FIN, not an RST that could eat the error response.
func discardRemainder(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	io.Copy(io.Discard, io.LimitReader(conn, 1*M))
}

func connAlive(conn net.Conn) bool {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return true
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return true
	}
	return system.ConnEstablished(raw)
}
