package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/richpresence/browserd/internal/browser"
	"github.com/richpresence/browserd/internal/devtools"
	"github.com/richpresence/browserd/internal/process"
)

var chromeArgs = []string{"--remote-debugging-port=4969", "--user-data-dir=/profiles/p1-1234"}

func TestScan(t *testing.T) {
	h := NewHost()
	list, err := h.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(list) != len(DefaultBrowsers) {
		t.Errorf("Scan() returned %d browsers, want %d", len(list), len(DefaultBrowsers))
	}

	h.SetScanError(errors.New("permission denied"))
	if _, err := h.Scan(context.Background()); err == nil {
		t.Error("Scan() should fail after SetScanError")
	}
	if h.Scans() != 2 {
		t.Errorf("Scans() = %d, want 2", h.Scans())
	}
}

func TestSpawnAttachTerminate(t *testing.T) {
	h := NewHost()
	ctx := context.Background()

	p, err := h.Spawn(ctx, "/usr/bin/google-chrome", chromeArgs)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if !h.IsAlive(p) {
		t.Fatal("spawned process should be alive")
	}
	if !h.Probe("127.0.0.1", 4969) {
		t.Fatal("Probe() = false, want true")
	}
	if h.Probe("127.0.0.1", 9222) {
		t.Error("Probe() on an unused port = true")
	}

	desc, err := h.Attach(ctx, "127.0.0.1", 4969, time.Second)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	want := browser.Descriptor{Name: "Chrome", Version: "120.0"}
	if desc != want {
		t.Errorf("Attach() = %+v, want %+v", desc, want)
	}

	if err := h.Terminate(p, false); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done() not closed after terminate")
	}
	if h.IsAlive(p) || h.Alive() != 0 {
		t.Error("process still alive after terminate")
	}
	if _, err := h.Attach(ctx, "127.0.0.1", 4969, time.Second); !errors.Is(err, devtools.ErrUnreachable) {
		t.Errorf("Attach() after exit = %v, want unreachable", err)
	}
}

func TestFirefoxPortParsing(t *testing.T) {
	h := NewHost()
	_, err := h.Spawn(context.Background(), "/usr/bin/firefox",
		[]string{"--remote-debugging-port", "6000", "--new-instance", "-profile", "/p"})
	if err != nil {
		t.Fatal(err)
	}
	if !h.Probe("127.0.0.1", 6000) {
		t.Error("Firefox endpoint not found on port 6000")
	}
}

func TestBehaviors(t *testing.T) {
	ctx := context.Background()

	t.Run("ignores term", func(t *testing.T) {
		h := NewHost()
		h.SetBehavior("/usr/bin/google-chrome", IgnoresTerm)
		p, _ := h.Spawn(ctx, "/usr/bin/google-chrome", chromeArgs)
		_ = h.Terminate(p, false)
		if !h.IsAlive(p) {
			t.Fatal("IgnoresTerm process exited on graceful terminate")
		}
		_ = h.Terminate(p, true)
		if h.IsAlive(p) {
			t.Fatal("IgnoresTerm process survived kill")
		}
	})

	t.Run("unkillable", func(t *testing.T) {
		h := NewHost()
		h.SetBehavior("/usr/bin/google-chrome", Unkillable)
		p, _ := h.Spawn(ctx, "/usr/bin/google-chrome", chromeArgs)
		_ = h.Terminate(p, true)
		if !h.IsAlive(p) {
			t.Fatal("Unkillable process died")
		}
	})

	t.Run("crash on start", func(t *testing.T) {
		h := NewHost()
		h.SetBehavior("/usr/bin/google-chrome", CrashOnStart)
		p, err := h.Spawn(ctx, "/usr/bin/google-chrome", chromeArgs)
		if err != nil {
			t.Fatal(err)
		}
		if h.IsAlive(p) {
			t.Fatal("CrashOnStart process is alive")
		}
	})

	t.Run("never listens", func(t *testing.T) {
		h := NewHost()
		h.SetBehavior("/usr/bin/google-chrome", NeverListens)
		_, _ = h.Spawn(ctx, "/usr/bin/google-chrome", chromeArgs)
		if h.Probe("127.0.0.1", 4969) {
			t.Fatal("NeverListens process answered a probe")
		}
	})

	t.Run("wrong protocol", func(t *testing.T) {
		h := NewHost()
		h.SetBehavior("/usr/bin/google-chrome", WrongProtocol)
		_, _ = h.Spawn(ctx, "/usr/bin/google-chrome", chromeArgs)
		_, err := h.Attach(ctx, "127.0.0.1", 4969, time.Second)
		if !errors.Is(err, devtools.ErrProtocolMismatch) {
			t.Fatalf("Attach() = %v, want protocol mismatch", err)
		}
	})
}

func TestStartupDelay(t *testing.T) {
	h := NewHost()
	h.SetStartupDelay(100 * time.Millisecond)
	_, _ = h.Spawn(context.Background(), "/usr/bin/google-chrome", chromeArgs)
	if h.Probe("127.0.0.1", 4969) {
		t.Fatal("endpoint answered before the startup delay")
	}
	time.Sleep(150 * time.Millisecond)
	if !h.Probe("127.0.0.1", 4969) {
		t.Fatal("endpoint not answering after the startup delay")
	}
}

func TestSpawnFailures(t *testing.T) {
	h := NewHost()
	if _, err := h.Spawn(context.Background(), "/usr/bin/missing", nil); !errors.Is(err, process.ErrNotStarted) {
		t.Errorf("Spawn(unknown) = %v, want ErrNotStarted", err)
	}
	h.FailSpawn(errors.New("exec format error"))
	if _, err := h.Spawn(context.Background(), "/usr/bin/google-chrome", chromeArgs); !errors.Is(err, process.ErrNotStarted) {
		t.Errorf("Spawn() = %v, want ErrNotStarted", err)
	}
	if h.Spawns() != 0 {
		t.Errorf("Spawns() = %d, want 0", h.Spawns())
	}
}

func TestLifetime(t *testing.T) {
	h := NewHost()
	h.SetLifetime(time.Millisecond)
	p, _ := h.Spawn(context.Background(), "/usr/bin/google-chrome", chromeArgs)

	h.advance(time.Now().Add(time.Second))
	if h.IsAlive(p) {
		t.Fatal("process outlived its lifetime")
	}
}

func TestMaxAlive(t *testing.T) {
	h := NewHost()
	ctx := context.Background()
	a, _ := h.Spawn(ctx, "/usr/bin/google-chrome", chromeArgs)
	_, _ = h.Spawn(ctx, "/usr/bin/firefox", []string{"--remote-debugging-port", "6000"})
	h.Exit(a.PID())

	if h.MaxAlive() != 2 || h.Alive() != 1 {
		t.Errorf("MaxAlive() = %d, Alive() = %d, want 2 and 1", h.MaxAlive(), h.Alive())
	}
	procs := h.Procs()
	if len(procs) != 2 || procs[0].PID() >= procs[1].PID() {
		t.Errorf("Procs() = %+v, want two in PID order", procs)
	}
}
