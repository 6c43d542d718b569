package directive

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "control.json")
	if err := Write(path, ActionPause); err != nil {
		t.Fatalf("Write: %v", err)
	}

	d, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if d.Action != ActionPause {
		t.Fatalf("action = %q", d.Action)
	}

	if err := Write(path, "explode"); err == nil {
		t.Fatal("unknown action should be rejected")
	}
}

func TestReadMissingDefaultsToResume(t *testing.T) {
	t.Parallel()

	d, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if d.Action != ActionResume {
		t.Fatalf("action = %q, want resume", d.Action)
	}
}

func TestWatcherSeesDirectiveChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "control.json")

	var mu sync.Mutex
	var seen []string
	w := NewWatcher(path, nil, func(d Directive) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, d.Action)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Initial apply fires with resume (missing file).
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1 && seen[0] == ActionResume
	})

	if err := Write(path, ActionDrain); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, a := range seen {
			if a == ActionDrain {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
