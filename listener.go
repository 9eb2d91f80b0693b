// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Listener binding and inheritance. Listeners are bound in the master
// before any worker exists and handed to workers as inherited file
// descriptors.

package pitchfork

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/valyala/tcplisten"

	"github.com/JeffUlan/pitchfork/library/system"
)

// EnvListenFDs names the private env var carrying the inherited fd
// list, comma-separated, when the master re-execs itself or a worker.
const EnvListenFDs = "PITCHFORK_FD"

// ListenOptions are the per-address socket options.
type ListenOptions struct {
	Backlog       int
	Rcvbuf        int
	Sndbuf        int
	TCPNodelay    bool // applied to accepted connections
	TCPNopush     bool
	TCPDeferAccept bool
	ReusePort     bool
	IPv6Only      bool
	Umask         int // UNIX sockets only; -1 leaves the process umask alone
	Tries         int // bind attempts on EADDRINUSE; 0 means default
	Delay         time.Duration
}

// Bind is one desired listener: an address plus its options.
type Bind struct {
	Addr    string
	Options ListenOptions
}

// Listener is a bound server socket.
type Listener struct {
	name    string // canonical address
	network string // "tcp" or "unix"
	ln      net.Listener
	file    *os.File // dup used for inheritance, created lazily
	opts    ListenOptions
}

func (l *Listener) Name() string      { return l.name }
func (l *Listener) Raw() net.Listener { return l.ln }

// File returns the *os.File to place in a child's fd table. The dup is
// cached; it is created blocking, which is what inheritance wants.
func (l *Listener) File() (*os.File, error) {
	if l.file != nil {
		return l.file, nil
	}
	type filer interface{ File() (*os.File, error) }
	f, ok := l.ln.(filer)
	if !ok {
		return nil, fmt.Errorf("listener %s cannot be dup'd", l.name)
	}
	file, err := f.File()
	if err != nil {
		return nil, err
	}
	l.file = file
	return file, nil
}

func (l *Listener) close() {
	l.ln.Close()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.network == "unix" {
		os.Remove(l.name)
	}
}

// CanonAddr parses the accepted address syntaxes: "PORT", "HOST:PORT"
// (bracketed IPv6 included), "/path/to/socket", and "unix:/path".
func CanonAddr(addr string) (network string, address string, err error) {
	if strings.HasPrefix(addr, "unix:") {
		return "unix", addr[5:], nil
	}
	if strings.HasPrefix(addr, "/") {
		return "unix", addr, nil
	}
	if port, perr := strconv.Atoi(addr); perr == nil {
		if port < 1 || port > 65535 {
			return "", "", fmt.Errorf("listener: port out of range: %s", addr)
		}
		return "tcp", "0.0.0.0:" + addr, nil
	}
	host, port, serr := net.SplitHostPort(addr)
	if serr != nil {
		return "", "", fmt.Errorf("listener: bad address %q", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	if _, perr := strconv.Atoi(port); perr != nil {
		return "", "", fmt.Errorf("listener: bad port in %q", addr)
	}
	if strings.Contains(host, ":") { // IPv6 literal
		return "tcp", "[" + host + "]:" + port, nil
	}
	return "tcp", host + ":" + port, nil
}

// ListenerSet owns the bound listeners of the master process.
type ListenerSet struct {
	logger *Logger
	list   []*Listener
}

func NewListenerSet(logger *Logger) *ListenerSet {
	return &ListenerSet{logger: logger}
}

func (s *ListenerSet) Listeners() []*Listener { return s.list }

func (s *ListenerSet) Names() []string {
	names := make([]string, len(s.list))
	for i, l := range s.list {
		names[i] = l.name
	}
	return names
}

func (s *ListenerSet) find(name string) *Listener {
	for _, l := range s.list {
		if l.name == name {
			return l
		}
	}
	return nil
}

// BindListen binds one address. It is idempotent: an already-bound
// listener of the same canonical address is returned unchanged, with
// its options re-applied.
func (s *ListenerSet) BindListen(addr string, opts ListenOptions) (*Listener, error) {
	network, address, err := CanonAddr(addr)
	if err != nil {
		return nil, err
	}
	if l := s.find(address); l != nil {
		l.opts = opts
		applySocketOptions(l, &opts)
		return l, nil
	}
	l, err := bindWithRetry(network, address, &opts, s.logger)
	if err != nil {
		return nil, err
	}
	s.list = append(s.list, l)
	if s.logger != nil {
		s.logger.Logf("listening on %s", address)
	}
	return l, nil
}

// SetListeners reconciles the bound set against the desired one:
// removed addresses are closed, retained ones get their options
// re-applied, new ones are bound.
func (s *ListenerSet) SetListeners(binds []Bind) error {
	desired := make(map[string]Bind, len(binds))
	for _, b := range binds {
		_, address, err := CanonAddr(b.Addr)
		if err != nil {
			return err
		}
		desired[address] = b
	}
	kept := s.list[:0]
	for _, l := range s.list {
		if _, ok := desired[l.name]; ok {
			kept = append(kept, l)
		} else {
			if s.logger != nil {
				s.logger.Logf("closing removed listener %s", l.name)
			}
			l.close()
		}
	}
	s.list = kept
	for _, b := range binds {
		if _, err := s.BindListen(b.Addr, b.Options); err != nil {
			return err
		}
	}
	return nil
}

// Inherit adopts listener fds from the private env var and from
// systemd socket activation (LISTEN_FDS/LISTEN_PID, fds 3 onward)
// without rebinding.
func (s *ListenerSet) Inherit() error {
	var fds []int
	if list := os.Getenv(EnvListenFDs); list != "" {
		for _, part := range strings.Split(list, ",") {
			fd, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return fmt.Errorf("listener: bad inherited fd list %q", list)
			}
			fds = append(fds, fd)
		}
	}
	if n, pid := os.Getenv("LISTEN_FDS"), os.Getenv("LISTEN_PID"); n != "" {
		if pid == "" || pid == strconv.Itoa(os.Getpid()) {
			count, err := strconv.Atoi(n)
			if err != nil {
				return fmt.Errorf("listener: bad LISTEN_FDS %q", n)
			}
			for fd := 3; fd < 3+count; fd++ {
				fds = append(fds, fd)
			}
		}
	}
	for _, fd := range fds {
		file := os.NewFile(uintptr(fd), "listener")
		ln, err := net.FileListener(file)
		if err != nil {
			return fmt.Errorf("listener: inherited fd %d: %w", fd, err)
		}
		name, network := nameOfListener(ln)
		if s.find(name) != nil {
			ln.Close()
			file.Close()
			continue
		}
		s.list = append(s.list, &Listener{name: name, network: network, ln: ln, file: file})
		if s.logger != nil {
			s.logger.Logf("inherited listener %s (fd=%d)", name, fd)
		}
	}
	return nil
}

func nameOfListener(ln net.Listener) (name string, network string) {
	addr := ln.Addr()
	if addr.Network() == "unix" {
		return addr.String(), "unix"
	}
	return addr.String(), "tcp"
}

// Files returns the inheritable files, in listener order.
func (s *ListenerSet) Files() ([]*os.File, error) {
	files := make([]*os.File, len(s.list))
	for i, l := range s.list {
		file, err := l.File()
		if err != nil {
			return nil, err
		}
		files[i] = file
	}
	return files, nil
}

// FDList renders the env var value for re-exec, given the fd offset
// the files will occupy in the child (3 for the first extra file).
func (s *ListenerSet) FDList(firstFD int) string {
	parts := make([]string, len(s.list))
	for i := range s.list {
		parts[i] = strconv.Itoa(firstFD + i)
	}
	return strings.Join(parts, ",")
}

func (s *ListenerSet) Close() {
	for _, l := range s.list {
		l.close()
	}
	s.list = nil
}

func bindWithRetry(network string, address string, opts *ListenOptions, logger *Logger) (*Listener, error) {
	tries := opts.Tries
	if tries <= 0 {
		tries = 5
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			if logger != nil {
				logger.Logf("retrying bind of %s in %s (%v)", address, delay, lastErr)
			}
			time.Sleep(delay)
		}
		l, err := bindOnce(network, address, opts)
		if err == nil {
			return l, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
	}
	return nil, lastErr
}

func bindOnce(network string, address string, opts *ListenOptions) (*Listener, error) {
	if network == "unix" {
		return bindUnix(address, opts)
	}
	return bindTCP(address, opts)
}

func bindTCP(address string, opts *ListenOptions) (*Listener, error) {
	// tcplisten handles backlog/reuseport/deferaccept for IP literals;
	// everything else goes through net.ListenConfig with a Control hook.
	host, _, _ := net.SplitHostPort(address)
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip != nil && (opts.Backlog > 0 || opts.ReusePort || opts.TCPDeferAccept) {
		cfg := tcplisten.Config{
			ReusePort:   opts.ReusePort,
			DeferAccept: opts.TCPDeferAccept,
			Backlog:     opts.Backlog,
		}
		tcpNetwork := "tcp4"
		if ip.To4() == nil {
			tcpNetwork = "tcp6"
		}
		ln, err := cfg.NewListener(tcpNetwork, address)
		if err != nil {
			return nil, err
		}
		l := &Listener{name: address, network: "tcp", ln: ln, opts: *opts}
		applySocketOptions(l, opts)
		return l, nil
	}
	lc := net.ListenConfig{
		Control: func(_ string, _ string, raw syscall.RawConn) error {
			if opts.ReusePort {
				if err := system.SetReusePort(raw); err != nil {
					return err
				}
			}
			if opts.TCPDeferAccept {
				if err := system.SetDeferAccept(raw); err != nil {
					return err
				}
			}
			if opts.IPv6Only {
				if err := system.SetV6Only(raw); err != nil {
					return err
				}
			}
			return nil
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, err
	}
	l := &Listener{name: address, network: "tcp", ln: ln, opts: *opts}
	applySocketOptions(l, opts)
	return l, nil
}

func bindUnix(path string, opts *ListenOptions) (*Listener, error) {
	if info, err := os.Stat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("listener: %s exists and is not a socket", path)
		}
		// A dead socket file blocks rebinding; a live one is a real conflict.
		if conn, derr := net.DialTimeout("unix", path, 100*time.Millisecond); derr == nil {
			conn.Close()
			return nil, fmt.Errorf("listener: %s: %w", path, syscall.EADDRINUSE)
		}
		os.Remove(path)
	}
	restore := -1
	if opts.Umask >= 0 {
		restore = system.Umask(opts.Umask)
	}
	ln, err := net.Listen("unix", path)
	if restore >= 0 {
		system.Umask(restore)
	}
	if err != nil {
		return nil, err
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false) // we unlink explicitly
	l := &Listener{name: path, network: "unix", ln: ln, opts: *opts}
	applySocketOptions(l, opts)
	return l, nil
}

// applySocketOptions sets the options that can change on a live socket.
func applySocketOptions(l *Listener, opts *ListenOptions) {
	type rawer interface{ SyscallConn() (syscall.RawConn, error) }
	r, ok := l.ln.(rawer)
	if !ok {
		return
	}
	raw, err := r.SyscallConn()
	if err != nil {
		return
	}
	if opts.Rcvbuf > 0 {
		system.SetRcvbuf(raw, opts.Rcvbuf)
	}
	if opts.Sndbuf > 0 {
		system.SetSndbuf(raw, opts.Sndbuf)
	}
	if l.network == "tcp" && opts.TCPNopush {
		system.SetNopush(raw, true)
	}
}
