package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/worker"
)

// Process is one running worker.
type Process interface {
	// Transport is the host end of the worker's channel.
	Transport() rpc.Transport
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err reports why the worker exited; valid after Done.
	Err() error
	// Kill stops the worker without waiting for it to drain.
	Kill() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// InProcess runs the worker on goroutines of this process behind an
// in-memory pipe.
type InProcess struct {
	Options worker.Options
}

// Spawn starts a worker goroutine.
func (s InProcess) Spawn(ctx context.Context) (Process, error) {
	host, end := rpc.Pipe()
	wctx, cancel := context.WithCancel(context.Background())
	p := &inProcess{transport: host, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = worker.Serve(wctx, end, s.Options)
	}()
	return p, nil
}

type inProcess struct {
	transport rpc.Transport
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func (p *inProcess) Transport() rpc.Transport { return p.transport }
func (p *inProcess) Done() <-chan struct{}    { return p.done }
func (p *inProcess) Err() error               { return p.err }

func (p *inProcess) Kill() error {
	p.cancel()
	return p.transport.Close()
}

// Subprocess runs the worker binary and speaks length-prefixed frames over
// its stdin and stdout. Its stderr is passed through.
type Subprocess struct {
	Binary string
	Args   []string
	Env    []string
	Logger *zap.Logger
}

// Spawn starts the worker binary.
func (s Subprocess) Spawn(ctx context.Context) (Process, error) {
	if s.Binary == "" {
		return nil, errors.New("no worker binary configured")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(s.Binary, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", s.Binary, err)
	}

	p := &subprocess{
		cmd:       cmd,
		transport: rpc.NewStreamTransport(stdout, stdin),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		p.err = cmd.Wait()
		logger.Info("worker process exited", zap.Int("pid", cmd.Process.Pid), zap.Error(p.err))
	}()
	logger.Info("worker process started", zap.Int("pid", cmd.Process.Pid), zap.String("binary", s.Binary))
	return p, nil
}

type subprocess struct {
	cmd       *exec.Cmd
	transport rpc.Transport
	done      chan struct{}
	err       error
	killOnce  sync.Once
}

func (p *subprocess) Transport() rpc.Transport { return p.transport }
func (p *subprocess) Done() <-chan struct{}    { return p.done }
func (p *subprocess) Err() error               { return p.err }

func (p *subprocess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}
