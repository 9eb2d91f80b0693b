// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Refork policy and mold selection: decide when a generation advances
// and which worker becomes the new mold.

package master

import (
	"strconv"

	"github.com/JeffUlan/pitchfork"
	"github.com/JeffUlan/pitchfork/procman/common"
)

// reforkPolicy fires a promotion once any current-generation worker
// crosses the threshold configured for the next generation.
func (m *Master) reforkPolicy() {
	if m.promoting != nil || m.oldMold != nil {
		return // a generation change is still settling
	}
	if m.generation >= len(m.cfg.ReforkAfter) {
		return // no further generations configured
	}
	threshold := m.cfg.ReforkAfter[m.generation]
	for _, p := range m.procs {
		if !p.mold && p.gen == m.generation && !p.quitSent && p.requests >= threshold {
			m.triggerRefork()
			return
		}
	}
}

// triggerRefork selects and promotes a worker. Also the USR2 path.
func (m *Master) triggerRefork() {
	if m.promoting != nil || m.stopping {
		return
	}
	workers := m.workersSnapshot()
	if len(workers) == 0 {
		return
	}
	selector := m.cfg.MoldSelector
	if selector == nil {
		selector = DefaultMoldSelector
	}
	nr := selector(workers)
	for _, p := range m.procs {
		if !p.mold && p.nr == nr && p.gen == m.generation && p.conn != nil && !p.quitSent {
			m.promoteWorker(p)
			return
		}
	}
}

func (m *Master) promoteWorker(p *proc) {
	newGen := m.generation + 1
	m.logger.Logf("promoting worker=%d pid=%d to mold of gen=%d", p.nr, p.pid, newGen)
	msg := common.NewMessage(common.ComdPromote)
	msg.Set("gen", strconv.Itoa(newGen))
	common.Tell(p.conn, msg)
	m.promoting = p
}

// onPromoted completes the generation change: the acked worker is the
// mold now, the old generation drains slot by slot as replacements
// join, and the previous mold is retired once the new generation is
// fully spawned (see settlePromotion).
func (m *Master) onPromoted(pid int) {
	p := m.findPid(pid)
	if p == nil || p != m.promoting {
		return
	}
	m.promoting = nil
	m.oldMold = m.mold
	m.mold = p
	p.mold = true
	p.gen++
	p.requests = 0
	m.generation = p.gen
	m.logger.Logf("worker=%d pid=%d is the mold of gen=%d", p.nr, p.pid, m.generation)
	// spawning of the new generation happens in maintainWorkerCount,
	// since the promoted worker's slot (and soon every slot) is no
	// longer filled at the current generation
}

// settlePromotion retires the previous mold after every slot has a
// worker of the new generation.
func (m *Master) settlePromotion() {
	if m.oldMold == nil {
		return
	}
	ready := 0
	for _, p := range m.procs {
		if !p.mold && p.gen == m.generation && p.conn != nil && !p.quitSent {
			ready++
		}
	}
	if ready >= m.cfg.WorkerProcesses {
		m.logger.Logf("gen=%d complete, retiring old mold pid=%d", m.generation, m.oldMold.pid)
		m.softKill(m.oldMold)
		m.oldMold = nil
	}
}

// workersSnapshot captures the current generation's serving workers.
func (m *Master) workersSnapshot() []pitchfork.WorkerInfo {
	var workers []pitchfork.WorkerInfo
	for _, p := range m.procs {
		if !p.mold && p.gen == m.generation && p.conn != nil && !p.quitSent {
			workers = append(workers, p.info())
		}
	}
	return workers
}

// DefaultMoldSelector picks the worker with the largest resident
// private memory: the most warmed-up process shares the most pages
// with its future children. Falls back to the busiest worker where
// memory stats are unavailable.
func DefaultMoldSelector(workers []pitchfork.WorkerInfo) int {
	best := workers[0]
	for _, w := range workers[1:] {
		if w.PrivateMemory != best.PrivateMemory {
			if w.PrivateMemory > best.PrivateMemory {
				best = w
			}
			continue
		}
		if w.Requests > best.Requests {
			best = w
		}
	}
	return best.Nr
}
