// Package diag answers "is the broker actually up?" from outside the
// process: PID file handling, liveness and port probes, and a combined
// health verdict for the CLI and supervisors.
package diag

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// dialTimeout bounds the port probe.
const dialTimeout = time.Second

// userHz is the kernel clock tick rate used by /proc/<pid>/stat. Linux has
// reported 100 via sysconf(_SC_CLK_TCK) on every mainstream arch for
// decades.
const userHz = 100

// Health is the combined diagnostic verdict. It serialises to the JSON
// shape the CLI prints.
type Health struct {
	Status        string  `json:"status"`
	PID           int     `json:"pid"`
	PIDAlive      bool    `json:"pid_alive"`
	PortOpen      bool    `json:"port_open"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Uptime        string  `json:"uptime"`
	Address       string  `json:"address"`
	Details       string  `json:"details"`
}

// WritePIDFile writes the current process id to path.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPIDFile parses the decimal PID stored at path.
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file, tolerating its absence.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// PIDAlive reports whether the process exists, using the null signal.
// EPERM means the process exists but belongs to someone else.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// PortOpen reports whether a TCP connection to addr succeeds.
func PortOpen(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// processUptime reads the process start time from /proc/<pid>/stat and
// subtracts it from the system uptime.
func processUptime(pid int) (time.Duration, error) {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// Field 2 (comm) is parenthesised and may contain anything; skip past
	// the closing paren before splitting.
	i := strings.LastIndexByte(string(stat), ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(stat[i+1:]))
	// starttime is overall field 22; after comm and state that leaves
	// index 19 here.
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	startTicks, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, err
	}

	sysUp, err := systemUptime()
	if err != nil {
		return 0, err
	}
	up := sysUp - time.Duration(float64(startTicks)/userHz*float64(time.Second))
	if up < 0 {
		up = 0
	}
	return up, nil
}

func systemUptime() (time.Duration, error) {
	raw, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	parts := strings.Fields(string(raw))
	if len(parts) == 0 {
		return 0, fmt.Errorf("empty /proc/uptime")
	}
	secs, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// pidFileUptime falls back to the PID file's age when /proc is unreadable.
func pidFileUptime(path string) (time.Duration, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	up := time.Since(fi.ModTime())
	if up < 0 {
		up = 0
	}
	return up, nil
}

// ProxyHealth probes the broker identified by the PID file and address.
// Status is healthy when both the process and the port respond, degraded
// when exactly one does, unhealthy otherwise.
func ProxyHealth(address, pidFile string) Health {
	h := Health{Address: address, Status: "unhealthy"}

	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		h.Details = "no pid file: " + err.Error()
	} else {
		h.PID = pid
		h.PIDAlive = PIDAlive(pid)
	}
	h.PortOpen = PortOpen(address)

	switch {
	case h.PIDAlive && h.PortOpen:
		h.Status = "healthy"
	case h.PIDAlive || h.PortOpen:
		h.Status = "degraded"
		if h.PIDAlive {
			h.Details = "process alive but port closed"
		} else {
			h.Details = "port open but process not found"
		}
	}

	if h.PIDAlive {
		up, err := processUptime(pid)
		if err != nil {
			up, err = pidFileUptime(pidFile)
		}
		if err == nil {
			h.UptimeSeconds = up.Seconds()
			h.Uptime = up.Truncate(time.Second).String()
		}
	}
	return h
}
