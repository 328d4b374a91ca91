package detector

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/tklauser/go-sysconf"
)

// procStatStart reads starttime (field 22, clock ticks since boot) from
// /proc/<pid>/stat. comm may hold spaces or parens, so fields are counted
// from the last ')'.
func procStatStart(pid int) (time.Time, bool) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return time.Time{}, false
	}
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return time.Time{}, false
	}
	fields := strings.Fields(string(b[i+1:]))
	if len(fields) < 20 {
		return time.Time{}, false
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return time.Time{}, false
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return time.Time{}, false
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	sec := ticks / clk
	nsec := (ticks % clk) * int64(time.Second) / clk
	return time.Unix(int64(boot)+sec, nsec), true
}
