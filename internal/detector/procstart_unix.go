//go:build !windows

package detector

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// statStartTimeField is the index of starttime in /proc/<pid>/stat after the
// "(comm)" field, counting from state = 0.
const statStartTimeField = 19

// getProcStartUnix returns when pid started, in Unix seconds, or 0 if unknown.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		if start := linuxStartUnix(pid); start > 0 {
			return start
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// linuxStartUnix converts the starttime clock ticks in /proc/<pid>/stat to
// wall time using the boot time and CLK_TCK.
func linuxStartUnix(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// comm may contain spaces and parentheses; the last ") " ends it.
	i := strings.LastIndex(string(b), ") ")
	if i < 0 {
		return 0
	}
	fields := strings.Fields(string(b[i+2:]))
	if len(fields) <= statStartTimeField {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[statStartTimeField], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return 0
	}
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return int64(boot) + ticks/hz
}
