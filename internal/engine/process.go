package engine

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Process is a supervised engine child process. Exited is a non-blocking
// liveness poll used by the receive loop's heartbeat.
type Process interface {
	Exited() (bool, int)
	Kill() error
}

// ProcessFactory spawns the engine process for a slot, given the bound
// channel address. Tests substitute fakes; production uses ExecFactory.
type ProcessFactory func(slot int, connAddr string) (Process, error)

// ProcessConfig describes how engine processes are spawned.
type ProcessConfig struct {
	// ExePath is the engine executable.
	ExePath string
	// DataPath is passed to the engine as --path.
	DataPath string
	// Env entries are appended to the inherited environment. Used for the
	// engine runtime's home, library, and module search paths.
	Env []string
}

// ExecFactory returns a ProcessFactory that spawns real engine processes
// with the conventional invocation:
//
//	<exe> --con=<channel-address> --path=<data-path>
func ExecFactory(cfg ProcessConfig) ProcessFactory {
	return func(_ int, connAddr string) (Process, error) {
		cmd := exec.Command(cfg.ExePath,
			fmt.Sprintf("--con=%s", connAddr),
			fmt.Sprintf("--path=%s", cfg.DataPath),
		)
		cmd.Env = append(os.Environ(), cfg.Env...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.ExePath, err)
		}

		p := &execProcess{cmd: cmd}
		go p.wait()
		return p, nil
	}
}

// execProcess wraps an os/exec child and records its exit asynchronously so
// Exited never blocks.
type execProcess struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	exited bool
	code   int
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
	if exitErr, ok := err.(*exec.ExitError); ok {
		p.code = exitErr.ExitCode()
	} else if err != nil {
		p.code = -1
	}
}

func (p *execProcess) Exited() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.code
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
