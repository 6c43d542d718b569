// Package directive implements the control-file channel between the CLI
// and a running engine: `hive directive pause` writes the control file, and
// the serve loop watches it to adjust spawning without a restart.
package directive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"hive/pkg/eventbus"
)

// Directive actions.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionDrain  = "drain"
)

// Directive is the control file payload.
type Directive struct {
	Action   string    `json:"action"`
	IssuedAt time.Time `json:"issued_at"`
}

// Valid reports whether the action is known.
func (d Directive) Valid() bool {
	switch d.Action {
	case ActionPause, ActionResume, ActionDrain:
		return true
	}
	return false
}

// Write stores a directive in the control file for a running engine to
// pick up.
func Write(path, action string) error {
	d := Directive{Action: action, IssuedAt: time.Now().UTC()}
	if !d.Valid() {
		return fmt.Errorf("unknown directive %q", action)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads the current directive; a missing file means resume.
func Read(path string) (Directive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Directive{Action: ActionResume}, nil
		}
		return Directive{}, err
	}
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return Directive{}, fmt.Errorf("parse directive: %w", err)
	}
	return d, nil
}

// Watcher observes the control file and invokes the handler on every
// directive change. The handler also runs once at start with the current
// directive.
type Watcher struct {
	path    string
	bus     *eventbus.Bus
	logger  *zap.Logger
	handler func(Directive)
}

// NewWatcher creates a control-file watcher. bus may be nil.
func NewWatcher(path string, bus *eventbus.Bus, handler func(Directive), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, bus: bus, logger: logger, handler: handler}
}

// Run watches until the context is cancelled. The control file is written
// by rename, so the watch is on the parent directory.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.apply()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.apply()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("control watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) apply() {
	d, err := Read(w.path)
	if err != nil {
		w.logger.Warn("control file unreadable", zap.Error(err))
		return
	}
	if !d.Valid() {
		w.logger.Warn("control file carries unknown action", zap.String("action", d.Action))
		return
	}
	if w.bus != nil {
		w.bus.Publish("control:"+d.Action, map[string]any{"issued_at": d.IssuedAt})
	}
	if w.handler != nil {
		w.handler(d)
	}
}
