// Package procgroup tracks child processes by tag and kills whole process
// groups. Every child is started as its own session leader so that killing
// the group also reaps any grandchildren the player or synthesis binary
// spawned.
package procgroup

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Proc is a tracked child process. The supervisor's reaper goroutine is the
// only caller of exec.Cmd.Wait; everyone else observes the exit through the
// done channel.
type Proc struct {
	cmd     *exec.Cmd
	tag     string
	usePgid bool

	done chan struct{}
	werr error // written by the reaper before done is closed
}

// Tag returns the label the process was started with.
func (p *Proc) Tag() string { return p.tag }

// Pid returns the child's process id.
func (p *Proc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the child has not yet been reaped.
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the child exits and returns its wait error.
// Safe to call from any number of goroutines.
func (p *Proc) Wait() error {
	<-p.done
	return p.werr
}

// Kill terminates the child. When the process was started as a session
// leader the whole group receives SIGKILL; otherwise only the child does.
// Killing an already-dead process is a no-op.
func (p *Proc) Kill() {
	if !p.Alive() || p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if p.usePgid {
		// Group kill; the child is its own group leader.
		if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
			return
		}
	}
	_ = p.cmd.Process.Kill()
}

// Supervisor tracks running children in a single slice guarded by a mutex.
// The mutex is never held across a spawn or kill.
type Supervisor struct {
	mu     sync.Mutex
	active []*Proc
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// StartConfig describes one child to spawn.
type StartConfig struct {
	// Tag labels the process for selective cancellation
	// (e.g. "playback", "chime").
	Tag string

	// Env is the child environment. Defaults to the parent environment.
	Env []string

	// Stdout and Stderr default to discarded when nil.
	Stdout *os.File
	Stderr *os.File

	// UsePgid starts the child as a session leader and kills via the
	// process group.
	UsePgid bool
}

// Start spawns cmd with the given arguments and tracks it. Dead entries are
// pruned opportunistically to bound memory.
func (s *Supervisor) Start(name string, args []string, cfg StartConfig) (*Proc, error) {
	s.prune()

	cmd := exec.Command(name, args...)
	cmd.Env = cfg.Env
	if cfg.Stdout != nil {
		cmd.Stdout = cfg.Stdout
	}
	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	}
	if cfg.UsePgid {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procgroup: start %s: %w", name, err)
	}

	p := &Proc{cmd: cmd, tag: cfg.Tag, usePgid: cfg.UsePgid, done: make(chan struct{})}

	s.mu.Lock()
	s.active = append(s.active, p)
	s.mu.Unlock()

	// Sole cmd.Wait caller; exec.Cmd.Wait must not run concurrently.
	// Waiters block on the done channel instead.
	go func() {
		p.werr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// CancelAll atomically takes the current slice, clears it, then kills every
// process group. Kill failures are swallowed.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	toKill := s.active
	s.active = nil
	s.mu.Unlock()

	for _, p := range toKill {
		p.Kill()
	}
}

// CancelTagged kills all tracked processes with the given tag, preserving
// the rest.
func (s *Supervisor) CancelTagged(tag string) {
	s.mu.Lock()
	var toKill, toKeep []*Proc
	for _, p := range s.active {
		if p.tag == tag {
			toKill = append(toKill, p)
		} else {
			toKeep = append(toKeep, p)
		}
	}
	s.active = toKeep
	s.mu.Unlock()

	for _, p := range toKill {
		p.Kill()
	}
}

// GetByTag returns the most recently started live process with the given
// tag, or nil.
func (s *Supervisor) GetByTag(tag string) *Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.active) - 1; i >= 0; i-- {
		if s.active[i].tag == tag && s.active[i].Alive() {
			return s.active[i]
		}
	}
	return nil
}

// HasActive reports whether any tracked process is alive. A non-empty tag
// restricts the check to that tag.
func (s *Supervisor) HasActive(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.active {
		if tag != "" && p.tag != tag {
			continue
		}
		if p.Alive() {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of live tracked processes.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.active {
		if p.Alive() {
			n++
		}
	}
	return n
}

// prune drops dead entries. Worst case a just-died process stays one extra
// cycle, which is fine.
func (s *Supervisor) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.active[:0]
	for _, p := range s.active {
		if p.Alive() {
			kept = append(kept, p)
		}
	}
	s.active = kept
}
