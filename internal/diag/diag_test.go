package diag

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Errorf("RemovePIDFile on missing file: %v", err)
	}
}

func TestReadPIDFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	os.WriteFile(path, []byte("not a pid"), 0o644)
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("expected error for garbage pid file")
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Error("non-positive pid reported alive")
	}
	// Max pid on Linux is bounded well below this.
	if PIDAlive(1 << 22) {
		t.Error("absurd pid reported alive")
	}
}

func TestPortOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	if !PortOpen(addr) {
		t.Error("listening port reported closed")
	}
	ln.Close()
	if PortOpen(addr) {
		t.Error("closed port reported open")
	}
}

func TestProxyHealthHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	path := filepath.Join(t.TempDir(), "test.pid")
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}

	h := ProxyHealth(ln.Addr().String(), path)
	if h.Status != "healthy" {
		t.Errorf("status = %q, want healthy (%+v)", h.Status, h)
	}
	if !h.PIDAlive || !h.PortOpen {
		t.Errorf("pid_alive = %v, port_open = %v, want both true", h.PIDAlive, h.PortOpen)
	}
	if h.UptimeSeconds < 0 {
		t.Errorf("uptime_seconds = %f, want >= 0", h.UptimeSeconds)
	}
}

func TestProxyHealthDegraded(t *testing.T) {
	// Live process, no listener.
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	h := ProxyHealth("127.0.0.1:1", path)
	if h.Status != "degraded" {
		t.Errorf("status = %q, want degraded", h.Status)
	}
	if h.Details == "" {
		t.Error("degraded verdict missing details")
	}
}

func TestProxyHealthUnhealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	os.WriteFile(path, []byte(strconv.Itoa(1<<22)), 0o644)
	h := ProxyHealth("127.0.0.1:1", path)
	if h.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", h.Status)
	}
}

func TestProcessUptime(t *testing.T) {
	up, err := processUptime(os.Getpid())
	if err != nil {
		t.Fatalf("processUptime: %v", err)
	}
	if up < 0 {
		t.Errorf("uptime = %v, want >= 0", up)
	}
}
