//go:build linux

package writerlock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func identity() (pid uint32, startTime uint64) {
	pid = uint32(os.Getpid())
	st, err := procStartTime(pid)
	if err != nil {
		return pid, 0
	}
	return pid, st
}

func alive(info Info) bool {
	st, err := procStartTime(info.PID)
	if err != nil {
		return false
	}
	return st == info.StartTime
}

// procStartTime parses field 22 (starttime, 1-indexed) of /proc/<pid>/stat.
// The comm field (2nd, parenthesized) may itself contain spaces or closing
// parens, so fields are counted from the last ')' rather than by naive
// whitespace splitting.
func procStartTime(pid uint32) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	contents := string(data)
	end := strings.LastIndexByte(contents, ')')
	if end < 0 || end+1 >= len(contents) {
		return 0, fmt.Errorf("writerlock: malformed /proc stat for pid %d", pid)
	}
	fields := strings.Fields(contents[end+1:])
	// State(1) through field 19 after comm leaves starttime as field 20,
	// i.e. index 19 of the zero-indexed remainder slice.
	const starttimeIndex = 19
	if len(fields) <= starttimeIndex {
		return 0, fmt.Errorf("writerlock: /proc stat for pid %d missing starttime", pid)
	}
	return strconv.ParseUint(fields[starttimeIndex], 10, 64)
}
