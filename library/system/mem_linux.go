// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Memory statistics for Linux, from the smaps rollup.

package system

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// PrivateMemory returns the resident private bytes of pid
// (Private_Clean + Private_Dirty), or -1 when unavailable. The most
// warmed-up worker has the most private pages, which makes it the best
// copy-on-write parent.
func PrivateMemory(pid int) int64 {
	file, err := os.Open("/proc/" + strconv.Itoa(pid) + "/smaps_rollup")
	if err != nil {
		return -1
	}
	defer file.Close()

	var total int64 = -1
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Private_Clean:") && !strings.HasPrefix(line, "Private_Dirty:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if total < 0 {
			total = 0
		}
		total += kb * 1024
	}
	return total
}
