// Package sidecar supervises the daemon's child processes: start with a
// readiness handshake, periodic health probing, and restart with a failure
// ceiling.
package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/events"
	"github.com/tether-agent/tether/internal/events/bus"
)

const (
	// readyToken is the literal line a sidecar prints when it is up.
	readyToken = "READY"

	defaultStartupTimeout = 30 * time.Second
	healthInterval        = 30 * time.Second
	healthProbeTimeout    = 3 * time.Second
	reapTimeout           = 5 * time.Second

	// maxRestartFailures is how many consecutive failed restarts the
	// supervisor tolerates before giving up on a sidecar.
	maxRestartFailures = 3
)

// Supervisor owns every configured sidecar.
type Supervisor struct {
	sidecars []*sidecar
	log      *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a supervisor for the configured sidecars.
func New(cfgs []config.SidecarConfig, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		log:    log.WithFields(zap.String("component", "sidecar")),
		stopCh: make(chan struct{}),
	}
	for i := range cfgs {
		s.sidecars = append(s.sidecars, &sidecar{
			cfg:      cfgs[i],
			eventBus: eventBus,
			log:      s.log.WithFields(zap.String("sidecar", cfgs[i].Name)),
		})
	}
	return s
}

// Start launches every sidecar and begins supervising. A sidecar that fails
// its initial start is reported but does not block the others.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, sc := range s.sidecars {
		if err := sc.start(ctx); err != nil {
			sc.log.Error("initial start failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func(sc *sidecar) {
			defer s.wg.Done()
			sc.supervise(s.stopCh)
		}(sc)
	}
	return nil
}

// Stop terminates every sidecar and waits for supervision to wind down.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	for _, sc := range s.sidecars {
		sc.terminate()
	}
}

// Statuses returns a name→running snapshot for the status endpoint.
func (s *Supervisor) Statuses() map[string]bool {
	out := make(map[string]bool, len(s.sidecars))
	for _, sc := range s.sidecars {
		out[sc.cfg.Name] = sc.running()
	}
	return out
}

type sidecar struct {
	cfg      config.SidecarConfig
	eventBus bus.EventBus
	log      *logger.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   io.Closer
	exitCh chan error
}

// start spawns the process and waits for the readiness token on stdout.
func (sc *sidecar) start(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	cmd := exec.Command(sc.cfg.Command, sc.cfg.Args...)

	var stdout io.Reader
	if sc.cfg.TTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return fmt.Errorf("start %s under pty: %w", sc.cfg.Name, err)
		}
		sc.ptmx = ptmx
		stdout = ptmx
	} else {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stderr = cmd.Stdout
		stdout = pipe
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", sc.cfg.Name, err)
		}
	}

	sc.cmd = cmd
	sc.exitCh = make(chan error, 1)
	// Closed after the exit is reported so later receives never block.
	go func(c *exec.Cmd, ch chan error) { ch <- c.Wait(); close(ch) }(cmd, sc.exitCh)

	if err := sc.awaitReady(ctx, stdout); err != nil {
		sc.terminateLocked()
		return err
	}

	sc.log.Info("sidecar ready", zap.Int("pid", cmd.Process.Pid))
	sc.publish(events.SidecarStarted, map[string]interface{}{
		"name": sc.cfg.Name, "pid": cmd.Process.Pid,
	})
	return nil
}

// awaitReady scans process output for the readiness token, then keeps
// draining in the background so the child never blocks on a full pipe.
func (sc *sidecar) awaitReady(ctx context.Context, stdout io.Reader) error {
	timeout := defaultStartupTimeout
	if sc.cfg.StartupTimeout > 0 {
		timeout = time.Duration(sc.cfg.StartupTimeout) * time.Second
	}

	ready := make(chan struct{})
	scanner := bufio.NewScanner(stdout)
	go func() {
		signalled := false
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				sc.log.Debug("sidecar output", zap.String("line", line))
			}
			if !signalled && line == readyToken {
				signalled = true
				close(ready)
			}
		}
	}()

	select {
	case <-ready:
		return nil
	case err := <-sc.exitCh:
		return fmt.Errorf("%s exited before ready: %v", sc.cfg.Name, err)
	case <-time.After(timeout):
		return fmt.Errorf("%s not ready after %s", sc.cfg.Name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supervise watches for exits and probes health until the daemon stops.
// Restart failures are counted consecutively; past the ceiling the sidecar
// is abandoned.
func (sc *sidecar) supervise(stopCh <-chan struct{}) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stopCh:
			return

		case err := <-sc.currentExitCh():
			sc.log.Warn("sidecar exited", zap.Error(err))
			sc.publish(events.SidecarStopped, map[string]interface{}{
				"name": sc.cfg.Name, "unexpected": true,
			})
			if !sc.restart(stopCh, &failures) {
				return
			}

		case <-ticker.C:
			if sc.cfg.Port == 0 {
				continue
			}
			if sc.healthy() {
				failures = 0
				continue
			}
			sc.log.Warn("health probe failed")
			sc.publish(events.SidecarUnhealthy, map[string]interface{}{"name": sc.cfg.Name})
			if !sc.restart(stopCh, &failures) {
				return
			}
		}
	}
}

// restart tears the process down and starts it again. Returns false when the
// consecutive-failure ceiling is hit or the daemon is stopping.
func (sc *sidecar) restart(stopCh <-chan struct{}, failures *int) bool {
	select {
	case <-stopCh:
		return false
	default:
	}

	sc.terminate()

	ctx, cancel := context.WithTimeout(context.Background(), defaultStartupTimeout)
	err := sc.start(ctx)
	cancel()
	if err == nil {
		*failures = 0
		return true
	}

	*failures++
	sc.log.Error("restart failed", zap.Int("consecutive", *failures), zap.Error(err))
	if *failures >= maxRestartFailures {
		sc.log.Error("giving up on sidecar")
		sc.publish(events.SidecarStopped, map[string]interface{}{
			"name": sc.cfg.Name, "abandoned": true,
		})
		return false
	}
	return true
}

// healthy performs one tight-deadline probe of the sidecar's health endpoint.
func (sc *sidecar) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", sc.cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

func (sc *sidecar) currentExitCh() chan error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.exitCh
}

func (sc *sidecar) running() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.cmd != nil && sc.cmd.ProcessState == nil
}

func (sc *sidecar) terminate() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.terminateLocked()
}

// terminateLocked SIGTERMs the child and reaps it, escalating to SIGKILL
// after the reap timeout.
func (sc *sidecar) terminateLocked() {
	if sc.cmd == nil || sc.cmd.Process == nil {
		return
	}
	_ = sc.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-sc.exitCh:
	case <-time.After(reapTimeout):
		_ = sc.cmd.Process.Kill()
		<-sc.exitCh
	}

	if sc.ptmx != nil {
		_ = sc.ptmx.Close()
		sc.ptmx = nil
	}
	sc.cmd = nil
}

func (sc *sidecar) publish(eventType string, data map[string]interface{}) {
	if sc.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "sidecar", data)
	if err := sc.eventBus.Publish(context.Background(), eventType, event); err != nil {
		sc.log.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
