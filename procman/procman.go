// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Procman implements the master-worker process model. The same binary
// serves both roles; a private env token marks a spawned worker.

package procman

import (
	"os"

	"github.com/JeffUlan/pitchfork"
	"github.com/JeffUlan/pitchfork/procman/common"
	"github.com/JeffUlan/pitchfork/procman/master"
	"github.com/JeffUlan/pitchfork/procman/worker"
)

// Main dispatches on role and never returns.
func Main(program string, cfg *pitchfork.Config) {
	common.Program = program
	if err := cfg.Normalize(); err != nil {
		common.Crash(program + ": " + err.Error())
	}
	if token, ok := os.LookupEnv(common.EnvWorker); ok {
		decoded, err := common.DecodeWorkerToken(token)
		if err != nil {
			common.Crash(program + ": " + err.Error())
		}
		worker.Main(cfg, decoded)
	} else {
		master.Main(cfg)
	}
}
