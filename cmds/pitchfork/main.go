// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Pitchfork server (master & workers).

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JeffUlan/pitchfork"
	"github.com/JeffUlan/pitchfork/procman"
)

const usage = `
Pitchfork (%s)
================================================================================

  pitchfork [ACTION] [OPTIONS]

ACTION
------

  help         # show this message
  version      # show version info
  serve        # start as server

  If ACTION is missing, the default action is "serve".

OPTIONS
-------

  -debug   <level>    # debug level (default: 0, means disable)
  -listen  <addrs>    # comma-separated listen addresses: PORT,
                      # HOST:PORT or /path/to/socket (default: 0.0.0.0:8080)
  -workers <count>    # number of worker processes (default: 1)
  -timeout <seconds>  # worker liveness timeout (default: 20)
  -refork-after <ns>  # comma-separated per-generation request
                      # thresholds, e.g. "500,1000" (default: none)
  -log     <path>     # log file (default: stderr)
  -no-rewind          # serve request bodies forward-only
  -early-hints        # enable the 103 Early Hints emitter
  -check-client       # skip requests whose client already disconnected

SIGNALS (master)
----------------

  QUIT  graceful shutdown     USR1  reopen logs
  TERM  immediate shutdown    USR2  promote a new mold
  TTIN  one more worker       TTOU  one worker fewer

`

func main() {
	var (
		debugLevel  = flag.Int("debug", 0, "")
		listen      = flag.String("listen", "0.0.0.0:8080", "")
		workers     = flag.Int("workers", 1, "")
		timeout     = flag.Int("timeout", 20, "")
		reforkAfter = flag.String("refork-after", "", "")
		logFile     = flag.String("log", "", "")
		noRewind    = flag.Bool("no-rewind", false, "")
		earlyHints  = flag.Bool("early-hints", false, "")
		checkClient = flag.Bool("check-client", false, "")
	)
	flag.Usage = func() { fmt.Printf(usage, pitchfork.Version) }
	action := "serve"
	if len(os.Args) > 1 && os.Args[1][0] != '-' {
		action = os.Args[1]
		flag.CommandLine.Parse(os.Args[2:])
	} else {
		flag.Parse()
	}

	switch action {
	case "help":
		fmt.Printf(usage, pitchfork.Version)
	case "version":
		fmt.Println(pitchfork.Version)
	case "serve":
		pitchfork.SetDebug(int32(*debugLevel))
		cfg := &pitchfork.Config{
			WorkerProcesses:       *workers,
			Timeout:               time.Duration(*timeout) * time.Second,
			RewindableInput:       !*noRewind,
			EarlyHints:            *earlyHints,
			CheckClientConnection: *checkClient,
			LogFile:               *logFile,
			NewApp:                func() pitchfork.App { return demoApp },
		}
		for _, addr := range strings.Split(*listen, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Listen = append(cfg.Listen, pitchfork.Bind{Addr: addr})
			}
		}
		if *reforkAfter != "" {
			for _, part := range strings.Split(*reforkAfter, ",") {
				n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
				if err != nil {
					fmt.Fprintln(os.Stderr, "pitchfork: bad -refork-after value:", part)
					os.Exit(1)
				}
				cfg.ReforkAfter = append(cfg.ReforkAfter, n)
			}
		}
		procman.Main("pitchfork", cfg)
	default:
		fmt.Fprintln(os.Stderr, "pitchfork: unknown action:", action)
		os.Exit(1)
	}
}

// demoApp echoes request info, and the body for PUT/POST. It doubles
// as a smoke test for early hints and rewindable input.
func demoApp(env *pitchfork.Env) (int, pitchfork.Header, pitchfork.Body) {
	switch env.Method() {
	case "PUT", "POST":
		size, err := env.Input().Size()
		if err != nil {
			return 500, pitchfork.Header{{Name: "Content-Type", Value: "text/plain"}},
				pitchfork.StringBody("cannot size body\n")
		}
		header := pitchfork.Header{
			{Name: "Content-Type", Value: "application/octet-stream"},
			{Name: "Content-Length", Value: strconv.FormatInt(size, 10)},
		}
		return 200, header, pitchfork.ReaderBody(env.Input().Read)
	default:
		env.EarlyHints(pitchfork.Header{{Name: "Link", Value: "</style.css>; rel=preload; as=style"}})
		text := "hello from " + env.Get("SERVER_SOFTWARE") + " at " + env.Path() + "\n"
		header := pitchfork.Header{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Content-Length", Value: strconv.Itoa(len(text))},
		}
		return 200, header, pitchfork.StringBody(text)
	}
}
