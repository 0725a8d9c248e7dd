// Package process supervises the dev-server processes of materialized
// projects: one local subprocess per tenant, started in the generated
// work directory on the tenant's first allocated port.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

const logBufferSize = 500

type proc struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	pid    int
	logs   *LogBuffer
}

// Supervisor tracks one running subprocess per tenant.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*proc
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{procs: make(map[string]*proc)}
}

// Start launches the tenant's dev server in workDir. The first allocated
// port is handed to the process via the PORT environment variable.
// Returns the process resources to be recorded on the allocation.
func (s *Supervisor) Start(ctx context.Context, tenantID, workDir string, command []string, port int) (*models.ProcessResources, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty start command")
	}

	// The lock is held through registration so two racing Starts for the
	// same tenant cannot both pass the check.
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.procs[tenantID]; running {
		return nil, fmt.Errorf("tenant %s already has a running process", tenantID)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, command[0], command[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))

	logs := NewLogBuffer(logBufferSize)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start process: %w", err)
	}

	go pipeToBuffer(logs, "stdout", stdout)
	go pipeToBuffer(logs, "stderr", stderr)

	s.procs[tenantID] = &proc{cmd: cmd, cancel: cancel, pid: cmd.Process.Pid, logs: logs}

	log.Info().
		Str("tenant_id", tenantID).
		Str("work_dir", workDir).
		Int("pid", cmd.Process.Pid).
		Int("port", port).
		Msg("tenant process started")

	// Reap the process when it exits on its own.
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		delete(s.procs, tenantID)
		s.mu.Unlock()
		log.Info().Str("tenant_id", tenantID).Int("pid", cmd.Process.Pid).Msg("tenant process exited")
	}()

	return &models.ProcessResources{WorkDir: workDir, PID: cmd.Process.Pid}, nil
}

func pipeToBuffer(logs *LogBuffer, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logs.Write(stream, scanner.Text())
	}
}

// Stop terminates the tenant's process: SIGINT first, SIGKILL after a
// grace period. Stopping a tenant with no process is a no-op.
func (s *Supervisor) Stop(tenantID string) {
	s.mu.Lock()
	p, ok := s.procs[tenantID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.procs, tenantID)
	s.mu.Unlock()

	log.Info().Str("tenant_id", tenantID).Int("pid", p.pid).Msg("stopping tenant process")

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_ = p.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = p.cmd.Process.Kill()
		}
	}
	p.cancel()
}

// Running reports whether the tenant currently has a live process.
func (s *Supervisor) Running(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[tenantID]
	return ok
}

// Logs returns the last n output lines of the tenant's process. Nil when
// no process is tracked.
func (s *Supervisor) Logs(tenantID string, n int) []LogEntry {
	s.mu.Lock()
	p, ok := s.procs[tenantID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.logs.Recent(n)
}
