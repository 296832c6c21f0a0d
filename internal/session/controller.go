// Package session owns the single browser debugging session: it launches
// a browser, attaches to its debugging endpoint and shuts it down again.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/richpresence/browserd/internal/browser"
	"github.com/richpresence/browserd/internal/config"
	"github.com/richpresence/browserd/internal/logging"
	"github.com/richpresence/browserd/internal/metrics"
	"github.com/richpresence/browserd/internal/process"
)

// Endpoint reaches a browser's debugging endpoint.
type Endpoint interface {
	// Probe is a single bounded reachability check.
	Probe(host string, port int) bool
	Attach(ctx context.Context, host string, port int, timeout time.Duration) (browser.Descriptor, error)
}

// Inventory is the cache of installed browsers.
type Inventory interface {
	List() []browser.Descriptor
	Refresh(ctx context.Context) error
}

type Options struct {
	Inventory Inventory
	Processes process.Service
	Profiles  process.ProfileService
	Endpoint  Endpoint
	Retry     RetryPolicy
	Close     ClosePolicy
	// DebugHost is the address the browser binds its endpoint to and the
	// address the controller attaches to.
	DebugHost string
	Metrics   *metrics.Recorder
	Log       logrus.FieldLogger
}

// LaunchRequest names the browser to start and how to expose it.
// HostFilter is passed to the browser as its allowed-origins policy.
type LaunchRequest struct {
	Name       string `json:"name"`
	Profile    string `json:"profile"`
	DebugPort  int    `json:"debugPort"`
	HostFilter string `json:"hostFilter"`
}

// LaunchPlan is what Launch would run for a request.
type LaunchPlan struct {
	Browser    browser.Descriptor `json:"browser"`
	Path       string             `json:"path"`
	Args       []string           `json:"args"`
	ProfileDir string             `json:"profileDir"`
}

var (
	errProcessExited = errors.New("browser process exited before its debugging endpoint came up")
	errNotListening  = errors.New("debugging endpoint not listening yet")
	errClosed        = errors.New("session closed during launch")
	errGone          = errors.New("browser process is gone")
)

type Controller struct {
	inv      Inventory
	procs    process.Service
	profiles process.ProfileService
	endpoint Endpoint
	retry    RetryPolicy
	closing  ClosePolicy
	host     string
	metrics  *metrics.Recorder
	log      logrus.FieldLogger

	// closeMu serializes Close and ForceClose.
	closeMu sync.Mutex

	mu    sync.RWMutex
	state State
	// handle is the process behind state, or the orphan when Idle.
	handle     process.Handle
	port       int
	cancel     context.CancelFunc
	launchDone chan struct{}
	// unwatch stops the exit watcher of a Connected session.
	unwatch chan struct{}
	attempt    uint64
	gen        uint64
	seq        uint64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func NewController(opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	host := opts.DebugHost
	if host == "" {
		host = "127.0.0.1"
	}
	return &Controller{
		inv:      opts.Inventory,
		procs:    opts.Processes,
		profiles: opts.Profiles,
		endpoint: opts.Endpoint,
		retry:    opts.Retry,
		closing:  opts.Close,
		host:     host,
		metrics:  opts.Metrics,
		log:      log.WithField("component", "session"),
		state:    State{Phase: Idle, Since: time.Now()},
		subs:     make(map[int]chan Event),
	}
}

// DefaultOptions fills the policies from cfg.
func DefaultOptions(cfg *config.Config) Options {
	return Options{
		Retry:     RetryPolicyFrom(cfg.Attach),
		Close:     ClosePolicyFrom(cfg.Close),
		DebugHost: cfg.Browser.DebugHost,
	}
}

// Current returns a snapshot of the session. It never blocks on I/O.
func (c *Controller) Current() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

func (c *Controller) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Phase == Connected
}

func (c *Controller) ListInstalledBrowsers() []browser.Descriptor {
	return c.inv.List()
}

// RefreshInstalledBrowsers rescans the host. It does not touch the
// session; only later launches see the new inventory.
func (c *Controller) RefreshInstalledBrowsers(ctx context.Context) error {
	err := c.inv.Refresh(ctx)
	c.metrics.Refreshed(len(c.inv.List()), err)
	return err
}

// Subscribe registers an observer. Events are dropped for a subscriber
// whose buffer is full. The returned func unsubscribes and closes the
// channel.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

// Launch starts the named browser and blocks until its debugging endpoint
// is confirmed or the retry policy gives up. On AttachTimeout the process
// is left running and reported as an orphan.
func (c *Controller) Launch(ctx context.Context, req LaunchRequest) error {
	err := c.launch(ctx, req)
	c.metrics.Launch(launchResult(err))
	return err
}

func (c *Controller) launch(ctx context.Context, req LaunchRequest) error {
	if err := config.ValidateDebugPort(req.DebugPort); err != nil {
		return &LaunchError{Kind: InvalidRequest, Name: req.Name, Err: err}
	}
	log := c.log.WithFields(logrus.Fields{
		"browser": req.Name,
		"profile": req.Profile,
		"port":    req.DebugPort,
	})

	c.mu.Lock()
	c.reconcileLocked()
	if c.state.Phase != Idle {
		phase := c.state.Phase
		c.mu.Unlock()
		return &LaunchError{Kind: AlreadyActive, Name: req.Name, Err: fmt.Errorf("session is %s", phase)}
	}
	if c.orphanAliveLocked() {
		pid := c.handle.PID()
		c.mu.Unlock()
		return &LaunchError{Kind: AlreadyActive, Name: req.Name,
			Err: fmt.Errorf("browser from an earlier launch (pid %d) is still running", pid)}
	}
	target, ok := browser.Find(c.inv.List(), req.Name)
	if !ok {
		c.mu.Unlock()
		return &LaunchError{Kind: NotFound, Name: req.Name}
	}

	c.attempt++
	attempt := c.attempt
	launchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.launchDone = cancel, done
	c.handle, c.port = nil, req.DebugPort
	c.setLocked(State{
		Phase:     Launching,
		SessionID: uuid.NewString(),
		Target:    target.Name,
		Profile:   req.Profile,
		DebugPort: req.DebugPort,
	}, nil)
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	log.Info("launching browser")
	h, err := c.spawn(launchCtx, target, req)
	if err != nil {
		log.WithError(err).Warn("browser failed to start")
		return c.endLaunch(attempt, &LaunchError{Kind: SpawnFailed, Name: req.Name, Err: err})
	}

	c.mu.Lock()
	// Recorded even if Close took over, so that it can terminate it.
	c.handle = h
	if c.attempt == attempt && c.state.Phase == Launching {
		st := c.state
		st.PID = h.PID()
		c.setLocked(st, nil)
	}
	c.mu.Unlock()

	started := time.Now()
	desc, err := c.attach(launchCtx, h, req.DebugPort)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt || c.state.Phase != Launching {
		return &LaunchError{Kind: Canceled, Name: req.Name, Err: errClosed}
	}
	c.cancel, c.launchDone = nil, nil

	switch {
	case err == nil:
		c.metrics.Attached(time.Since(started))
		c.setLocked(State{
			Phase:     Connected,
			SessionID: c.state.SessionID,
			Browser:   &desc,
			DebugPort: req.DebugPort,
			PID:       h.PID(),
		}, nil)
		c.watchLocked(h)
		log.WithFields(logrus.Fields{"pid": h.PID(), "version": desc.Version}).Info("browser connected")
		return nil

	case errors.Is(err, errProcessExited):
		c.handle = nil
		lerr := &LaunchError{Kind: SpawnFailed, Name: req.Name, Err: err}
		c.failLocked(lerr)
		log.WithError(err).Warn("browser exited during startup")
		return lerr

	default:
		kind := AttachTimeout
		if ctx.Err() != nil {
			kind = Canceled
		}
		lerr := &LaunchError{Kind: kind, Name: req.Name, Err: err}
		c.failLocked(lerr)
		log.WithError(err).WithField("pid", h.PID()).Warn("attach failed; browser process left running")
		return lerr
	}
}

// endLaunch finishes a launch that never produced a process.
func (c *Controller) endLaunch(attempt uint64, lerr *LaunchError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt || c.state.Phase != Launching {
		return &LaunchError{Kind: Canceled, Name: lerr.Name, Err: errClosed}
	}
	c.cancel, c.launchDone = nil, nil
	c.handle = nil
	c.failLocked(lerr)
	return lerr
}

func (c *Controller) spawn(ctx context.Context, target browser.Descriptor, req LaunchRequest) (process.Handle, error) {
	if !target.HasExecutable() {
		return nil, fmt.Errorf("no executable known for %q", target.Name)
	}
	dir, err := c.profiles.CreateIsolated(req.Profile)
	if err != nil {
		return nil, err
	}
	args, err := process.DebugArgs(process.FamilyOf(target), process.DebugOptions{
		ProfileDir:   dir,
		Host:         c.host,
		Port:         req.DebugPort,
		AllowOrigins: req.HostFilter,
	})
	if err != nil {
		return nil, err
	}
	return c.procs.Spawn(ctx, target.ExecutablePath, args)
}

// attach polls the endpoint until it answers, the process dies, or the
// retry policy runs out.
func (c *Controller) attach(ctx context.Context, h process.Handle, port int) (browser.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
	defer cancel()

	var (
		desc    browser.Descriptor
		tries   int
		lastErr error
	)
	op := func() error {
		tries++
		if !c.procs.IsAlive(h) {
			return backoff.Permanent(errProcessExited)
		}
		if !c.endpoint.Probe(c.host, port) {
			lastErr = errNotListening
			return lastErr
		}
		d, err := c.endpoint.Attach(ctx, c.host, port, c.retry.AttemptTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			lastErr = err
			return err
		}
		desc = d
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.WithFields(logrus.Fields{
			"attempt":  tries,
			"port":     port,
			"retry_in": next,
		}).WithError(err).Debug("debugging endpoint not ready")
	}

	err := backoff.RetryNotify(op, c.retry.backOff(ctx), notify)
	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		err = fmt.Errorf("%w after %d attempts: %w", err, tries, lastErr)
	}
	return desc, err
}

// Close ends the session: graceful termination first, then a kill if
// the grace period runs out. Closing an Idle controller succeeds.
func (c *Controller) Close(ctx context.Context) error {
	return c.close(ctx, false)
}

// ForceClose kills the process without asking it to exit first.
func (c *Controller) ForceClose(ctx context.Context) error {
	return c.close(ctx, true)
}

func (c *Controller) close(ctx context.Context, force bool) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	c.mu.Lock()
	if c.state.Phase == Idle && !c.orphanAliveLocked() {
		c.mu.Unlock()
		c.metrics.Close("noop")
		return nil
	}
	cancel, done := c.cancel, c.launchDone
	c.cancel, c.launchDone = nil, nil
	prev := c.state
	pid := prev.PID
	if c.handle != nil {
		pid = c.handle.PID()
	}
	c.setLocked(State{Phase: Closing, SessionID: prev.SessionID, Target: prev.Target, PID: pid}, nil)
	c.mu.Unlock()

	if cancel != nil {
		// The launch notices within one attempt and leaves the slot alone.
		cancel()
		<-done
	}

	c.mu.RLock()
	h := c.handle
	c.mu.RUnlock()

	err := c.terminate(ctx, h, force)
	switch {
	case err == nil:
		c.metrics.Close("ok")
	default:
		var cerr *CloseError
		if errors.As(err, &cerr) {
			c.metrics.Close(cerr.Kind.String())
		}
	}
	return err
}

func (c *Controller) terminate(ctx context.Context, h process.Handle, force bool) error {
	if h == nil || !c.procs.IsAlive(h) {
		c.finishClose(nil)
		return nil
	}
	log := c.log.WithFields(logrus.Fields{"pid": h.PID(), "force": force})

	if !force {
		if err := c.procs.Terminate(h, false); err != nil {
			log.WithError(err).Warn("graceful termination failed")
		}
		if c.waitExit(ctx, h, c.closing.GracePeriod) {
			log.Info("browser closed")
			c.finishClose(nil)
			return nil
		}
		log.Warn("browser ignored graceful termination; killing it")
	}

	if err := c.procs.Terminate(h, true); err != nil {
		log.WithError(err).Warn("kill failed")
	}
	if c.waitExit(ctx, h, c.closing.ForceGrace) {
		if force {
			c.finishClose(nil)
			return nil
		}
		cerr := &CloseError{Kind: ForcedTermination, PID: h.PID()}
		c.finishClose(cerr)
		return cerr
	}

	cerr := &CloseError{Kind: ProcessUnresponsive, PID: h.PID(), Err: ctx.Err()}
	c.mu.Lock()
	st := c.state
	st.Reason = "process still running after kill"
	c.setLocked(st, cerr)
	c.mu.Unlock()
	log.Error("browser process did not exit")
	return cerr
}

func (c *Controller) finishClose(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = nil
	if cause != nil {
		c.failLocked(cause)
		return
	}
	c.setLocked(State{Phase: Idle}, nil)
}

// waitExit reports whether h exited within d.
func (c *Controller) waitExit(ctx context.Context, h process.Handle, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(c.closing.PollInterval)
	defer tick.Stop()

	for {
		if !c.procs.IsAlive(h) {
			return true
		}
		select {
		case <-h.Done():
			return true
		case <-tick.C:
		case <-timer.C:
			return !c.procs.IsAlive(h)
		case <-ctx.Done():
			return false
		}
	}
}

// Refresh reconciles the session with the host. A Connected session whose
// process has gone away drops to Idle; a live one has its identity
// re-read. An orphan left by a failed attach is reattached.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	orphan := c.state.Phase == Idle && c.orphanAliveLocked()
	st, h, port, gen := c.state.Clone(), c.handle, c.port, c.gen
	c.mu.Unlock()

	switch {
	case st.Phase == Connected:
		return c.refreshConnected(ctx, st, h, gen)
	case orphan:
		return c.adopt(ctx, h, port, gen)
	}
	return nil
}

func (c *Controller) refreshConnected(ctx context.Context, st State, h process.Handle, gen uint64) error {
	log := c.log.WithFields(logrus.Fields{"pid": st.PID, "port": st.DebugPort})

	if h == nil || !c.procs.IsAlive(h) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen {
			c.dropGoneLocked()
		}
		return nil
	}

	desc, err := c.endpoint.Attach(ctx, c.host, st.DebugPort, c.retry.AttemptTimeout)
	if err != nil {
		log.WithError(err).Warn("connected browser is not answering")
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && (st.Browser == nil || *st.Browser != desc) {
		st.Browser = &desc
		c.setLocked(st, nil)
	}
	return nil
}

func (c *Controller) adopt(ctx context.Context, h process.Handle, port int, gen uint64) error {
	desc, err := c.endpoint.Attach(ctx, c.host, port, c.retry.AttemptTimeout)
	if err != nil {
		return fmt.Errorf("reattaching to pid %d: %w", h.PID(), err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil
	}
	c.setLocked(State{
		Phase:     Connected,
		SessionID: uuid.NewString(),
		Browser:   &desc,
		DebugPort: port,
		PID:       h.PID(),
	}, nil)
	c.watchLocked(h)
	c.log.WithField("pid", h.PID()).Info("reattached to running browser")
	return nil
}

// Plan resolves a request the way Launch would without starting anything.
func (c *Controller) Plan(req LaunchRequest) (LaunchPlan, error) {
	if err := config.ValidateDebugPort(req.DebugPort); err != nil {
		return LaunchPlan{}, &LaunchError{Kind: InvalidRequest, Name: req.Name, Err: err}
	}
	target, ok := browser.Find(c.inv.List(), req.Name)
	if !ok {
		return LaunchPlan{}, &LaunchError{Kind: NotFound, Name: req.Name}
	}
	if !target.HasExecutable() {
		return LaunchPlan{}, &LaunchError{Kind: SpawnFailed, Name: req.Name,
			Err: fmt.Errorf("no executable known for %q", target.Name)}
	}

	dir := req.Profile
	if p, ok := c.profiles.(interface{ Plan(string) string }); ok {
		dir = p.Plan(req.Profile)
	}
	args, err := process.DebugArgs(process.FamilyOf(target), process.DebugOptions{
		ProfileDir:   dir,
		Host:         c.host,
		Port:         req.DebugPort,
		AllowOrigins: req.HostFilter,
	})
	if err != nil {
		return LaunchPlan{}, &LaunchError{Kind: InvalidRequest, Name: req.Name, Err: err}
	}
	return LaunchPlan{Browser: target, Path: target.ExecutablePath, Args: args, ProfileDir: dir}, nil
}

// watchLocked drops the Connected session backed by h to Idle once h
// exits on its own. The watcher stops when the session leaves Connected.
func (c *Controller) watchLocked(h process.Handle) {
	stop := make(chan struct{})
	c.unwatch = stop
	go func() {
		select {
		case <-stop:
			return
		case <-h.Done():
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.handle == h && c.state.Phase == Connected {
			c.dropGoneLocked()
		}
	}()
}

// reconcileLocked clears a Connected session whose process has already
// exited but whose watcher has not run yet.
func (c *Controller) reconcileLocked() {
	if c.state.Phase == Connected && (c.handle == nil || !c.procs.IsAlive(c.handle)) {
		c.dropGoneLocked()
	}
}

func (c *Controller) dropGoneLocked() {
	pid := c.state.PID
	c.handle = nil
	c.setLocked(State{Phase: Idle}, errGone)
	c.log.WithField("pid", pid).Info("browser went away; session cleared")
}

// orphanAliveLocked reports whether an Idle slot still has a live process
// from an earlier launch, forgetting it if it has died.
func (c *Controller) orphanAliveLocked() bool {
	if c.handle == nil {
		return false
	}
	if c.procs.IsAlive(c.handle) {
		return true
	}
	c.handle = nil
	if c.state.OrphanPID != 0 {
		st := c.state
		st.OrphanPID = 0
		c.setLocked(st, nil)
	}
	return false
}

// failLocked publishes Failed and then resets to Idle. A process still
// referenced by c.handle becomes the orphan.
func (c *Controller) failLocked(cause error) {
	prev := c.state
	c.setLocked(State{
		Phase:     Failed,
		SessionID: prev.SessionID,
		Target:    prev.Target,
		PID:       prev.PID,
		Reason:    cause.Error(),
	}, cause)

	idle := State{Phase: Idle}
	if c.handle != nil {
		idle.OrphanPID = c.handle.PID()
	}
	c.setLocked(idle, nil)
}

func (c *Controller) setLocked(next State, cause error) {
	prev := c.state.Phase
	if next.Since.IsZero() || next.Phase != prev {
		next.Since = time.Now()
	}
	if c.unwatch != nil && next.Phase != Connected {
		close(c.unwatch)
		c.unwatch = nil
	}
	c.state = next
	c.gen++
	c.seq++
	c.metrics.SetState(next.Phase.String())

	ev := Event{Seq: c.seq, Previous: prev, State: next.Clone()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	c.log.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.Phase.String(),
		"seq":  c.seq,
	}).Debug("session state changed")
	c.publish(ev)
}

func (c *Controller) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.metrics.Dropped()
			c.log.WithFields(logrus.Fields{"subscriber": id, "seq": ev.Seq}).Debug("session event dropped (subscriber full)")
		}
	}
}

func launchResult(err error) string {
	if err == nil {
		return "ok"
	}
	var lerr *LaunchError
	if errors.As(err, &lerr) {
		return lerr.Kind.String()
	}
	return "error"
}
