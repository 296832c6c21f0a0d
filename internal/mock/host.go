// Package mock simulates the host a controller runs on: installed
// browsers, their processes and their debugging endpoints. It backs the
// server's --mock mode and the controller tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/richpresence/browserd/internal/browser"
	"github.com/richpresence/browserd/internal/devtools"
	"github.com/richpresence/browserd/internal/process"
)

// Behavior scripts how a simulated browser reacts.
type Behavior int

const (
	// Normal browsers listen after the startup delay and exit on SIGTERM.
	Normal Behavior = iota
	// NeverListens browsers run but never open their endpoint.
	NeverListens
	// IgnoresTerm browsers only exit when killed.
	IgnoresTerm
	// Unkillable browsers never exit.
	Unkillable
	// CrashOnStart browsers exit right after spawn.
	CrashOnStart
	// WrongProtocol browsers answer on the port, but not as DevTools.
	WrongProtocol
)

// DefaultBrowsers is the inventory of a fresh Host.
var DefaultBrowsers = []browser.Descriptor{
	{Name: "Chrome", ExecutablePath: "/usr/bin/google-chrome", Version: "120.0"},
	{Name: "Firefox", ExecutablePath: "/usr/bin/firefox", Version: "128.0"},
	{Name: "Brave", ExecutablePath: "/usr/bin/brave-browser", Version: "1.61.104"},
}

// Proc is a simulated browser process.
type Proc struct {
	pid      int
	Path     string
	Args     []string
	Port     int
	identity browser.Descriptor
	behavior Behavior
	readyAt  time.Time
	exitAt   time.Time
	done     chan struct{}
	exited   bool
	Terms    int
	Kills    int
}

func (p *Proc) PID() int              { return p.pid }
func (p *Proc) Done() <-chan struct{} { return p.done }

// Host implements browser.Scanner, process.Service and the controller's
// endpoint capability on shared in-memory state.
type Host struct {
	mu        sync.Mutex
	inventory []browser.Descriptor
	scanErr   error
	scans     int
	behavior  map[string]Behavior
	delay     time.Duration
	lifetime  time.Duration
	spawnErr  error
	nextPID   int
	procs     map[int]*Proc
	spawns    int
	alive     int
	maxAlive  int
}

var (
	_ browser.Scanner = (*Host)(nil)
	_ process.Service = (*Host)(nil)
)

func NewHost(inventory ...browser.Descriptor) *Host {
	if len(inventory) == 0 {
		inventory = DefaultBrowsers
	}
	return &Host{
		inventory: append([]browser.Descriptor(nil), inventory...),
		behavior:  make(map[string]Behavior),
		nextPID:   4100,
		procs:     make(map[int]*Proc),
	}
}

// SetInventory replaces what the next Scan reports.
func (h *Host) SetInventory(list []browser.Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inventory = append([]browser.Descriptor(nil), list...)
}

func (h *Host) SetScanError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scanErr = err
}

// SetBehavior scripts the browser at path for future spawns.
func (h *Host) SetBehavior(path string, b Behavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.behavior[path] = b
}

// SetStartupDelay sets how long a spawned browser takes to open its
// endpoint.
func (h *Host) SetStartupDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = d
}

// SetLifetime makes spawned browsers quit on their own after d, as if the
// user closed the window. Zero disables it. Exits are applied by Start.
func (h *Host) SetLifetime(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lifetime = d
}

// FailSpawn makes every Spawn fail with err until reset with nil.
func (h *Host) FailSpawn(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawnErr = err
}

func (h *Host) Scan(ctx context.Context) ([]browser.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scans++
	if h.scanErr != nil {
		return nil, h.scanErr
	}
	return append([]browser.Descriptor(nil), h.inventory...), nil
}

func (h *Host) Spawn(ctx context.Context, path string, args []string) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", process.ErrNotStarted, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.spawnErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", process.ErrNotStarted, path, h.spawnErr)
	}

	var identity browser.Descriptor
	for _, d := range h.inventory {
		if d.ExecutablePath == path {
			identity = browser.Descriptor{Name: d.Name, Version: d.Version}
			break
		}
	}
	if identity.Name == "" {
		return nil, fmt.Errorf("%w: %s: no such file or directory", process.ErrNotStarted, path)
	}

	now := time.Now()
	p := &Proc{
		pid:      h.nextPID,
		Path:     path,
		Args:     append([]string(nil), args...),
		Port:     debugPort(args),
		identity: identity,
		behavior: h.behavior[path],
		readyAt:  now.Add(h.delay),
		done:     make(chan struct{}),
	}
	if h.lifetime > 0 {
		p.exitAt = now.Add(h.lifetime)
	}
	h.nextPID++
	h.spawns++
	h.procs[p.pid] = p
	h.alive++
	if h.alive > h.maxAlive {
		h.maxAlive = h.alive
	}
	if p.behavior == CrashOnStart {
		h.exitLocked(p)
	}
	return p, nil
}

func (h *Host) Terminate(handle process.Handle, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[handle.PID()]
	if !ok {
		return fmt.Errorf("no such process %d", handle.PID())
	}
	if p.exited {
		return nil
	}
	if force {
		p.Kills++
		if p.behavior != Unkillable {
			h.exitLocked(p)
		}
		return nil
	}
	p.Terms++
	if p.behavior != IgnoresTerm && p.behavior != Unkillable {
		h.exitLocked(p)
	}
	return nil
}

func (h *Host) IsAlive(handle process.Handle) bool {
	if handle == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[handle.PID()]
	return ok && !p.exited
}

func (h *Host) Probe(_ string, port int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listenerLocked(port) != nil
}

func (h *Host) Attach(ctx context.Context, host string, port int, _ time.Duration) (browser.Descriptor, error) {
	ep := host + ":" + strconv.Itoa(port)
	if err := ctx.Err(); err != nil {
		return browser.Descriptor{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.listenerLocked(port)
	if p == nil {
		return browser.Descriptor{}, &devtools.AttachError{Kind: devtools.Unreachable, Endpoint: ep,
			Err: errors.New("connection refused")}
	}
	if p.behavior == WrongProtocol {
		return browser.Descriptor{}, &devtools.AttachError{Kind: devtools.ProtocolMismatch, Endpoint: ep,
			Err: errors.New("GET /json/version: 404 Not Found")}
	}
	return p.identity, nil
}

// Exit ends a process as if it quit on its own.
func (h *Host) Exit(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.procs[pid]; ok && !p.exited {
		h.exitLocked(p)
	}
}

// Start applies scripted lifetimes until ctx is done.
func (h *Host) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *Host) run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.advance(now)
		}
	}
}

func (h *Host) advance(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.procs {
		if !p.exited && !p.exitAt.IsZero() && !now.Before(p.exitAt) && p.behavior != Unkillable {
			h.exitLocked(p)
		}
	}
}

// Spawns counts successful Spawn calls.
func (h *Host) Spawns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawns
}

// Scans counts Scan calls.
func (h *Host) Scans() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scans
}

// Alive counts running processes.
func (h *Host) Alive() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// MaxAlive is the most processes that were ever running at once.
func (h *Host) MaxAlive() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxAlive
}

// Procs returns a snapshot of every process spawned so far, by PID.
func (h *Host) Procs() []Proc {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Proc, 0, len(h.procs))
	for _, p := range h.procs {
		c := *p
		c.Args = append([]string(nil), p.Args...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

func (h *Host) listenerLocked(port int) *Proc {
	now := time.Now()
	for _, p := range h.procs {
		if p.exited || p.Port != port || p.behavior == NeverListens {
			continue
		}
		if now.Before(p.readyAt) {
			continue
		}
		return p
	}
	return nil
}

func (h *Host) exitLocked(p *Proc) {
	p.exited = true
	close(p.done)
	h.alive--
}

// debugPort finds the port in a Chromium (--flag=N) or Firefox
// (--flag N) command line.
func debugPort(args []string) int {
	const flag = "--remote-debugging-port"
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			n, _ := strconv.Atoi(v)
			return n
		}
		if a == flag && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			return n
		}
	}
	return 0
}
