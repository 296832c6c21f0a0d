// Package process starts browser executables and tracks their lifetime.
package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Handle identifies a spawned process.
type Handle interface {
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Service is the host's process capability as seen by the session
// controller.
type Service interface {
	Spawn(ctx context.Context, path string, args []string) (Handle, error)
	Terminate(h Handle, force bool) error
	IsAlive(h Handle) bool
}

// ErrNotStarted wraps every Spawn failure.
var ErrNotStarted = errors.New("process not started")

type osHandle struct {
	pid       int
	startedAt time.Time
	done      chan struct{}
}

func (h *osHandle) PID() int              { return h.pid }
func (h *osHandle) Done() <-chan struct{} { return h.done }

// OSService runs real processes. Each spawned process gets a reaper
// goroutine so that an exited child is never reported alive as a zombie.
type OSService struct {
	log logrus.FieldLogger
}

func NewOSService(log logrus.FieldLogger) *OSService {
	return &OSService{log: log.WithField("component", "process")}
}

func (s *OSService) Spawn(ctx context.Context, path string, args []string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}

	// Not CommandContext: the browser outlives the launch request.
	cmd := exec.Command(path, args...) //nolint:gosec
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotStarted, path, err)
	}

	h := &osHandle{
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	log := s.log.WithFields(logrus.Fields{"pid": h.pid, "path": path})
	log.WithField("args", strings.Join(args, " ")).Info("browser process started")

	go func() {
		err := cmd.Wait()
		close(h.done)
		log.WithError(err).WithField("uptime", time.Since(h.startedAt).Round(time.Millisecond)).
			Info("browser process exited")
	}()
	return h, nil
}

// Terminate asks the process to exit (SIGTERM) or kills it when force is
// set. A process that is already gone is not an error.
func (s *OSService) Terminate(h Handle, force bool) error {
	if !s.IsAlive(h) {
		return nil
	}
	p, err := gops.NewProcess(int32(h.PID()))
	if err != nil {
		if errors.Is(err, gops.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("looking up pid %d: %w", h.PID(), err)
	}

	s.log.WithFields(logrus.Fields{"pid": h.PID(), "force": force}).Debug("terminating browser process")
	if force {
		err = p.Kill()
	} else {
		err = p.Terminate()
	}
	if err != nil && s.IsAlive(h) {
		return fmt.Errorf("signalling pid %d: %w", h.PID(), err)
	}
	return nil
}

func (s *OSService) IsAlive(h Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
	}
	if _, ours := h.(*osHandle); ours {
		return true
	}
	return pidAlive(h.PID())
}

// pidAlive reports whether pid names a running, non-zombie process.
func pidAlive(pid int) bool {
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, st := range status {
		if st == gops.Zombie {
			return false
		}
	}
	return true
}

// PIDHandle adapts a process this service did not start. Its Done channel
// never closes; liveness is checked against the OS.
type PIDHandle int

func (p PIDHandle) PID() int              { return int(p) }
func (p PIDHandle) Done() <-chan struct{} { return nil }
