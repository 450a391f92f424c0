package watcher

import (
	"context"
	"time"

	"github.com/qcal/livelink/pkg/config"
	"github.com/qcal/livelink/pkg/logging"
)

const (
	DefaultQuietPeriod = 250 * time.Millisecond
	DefaultMaxWait     = 2 * time.Second
)

// ApplyFunc applies the live-reloadable part of a new configuration.
type ApplyFunc func(updated *config.Config, changes *ChangeAnalysis)

// Reloader re-reads the config file when it changes and hands the
// differences to an ApplyFunc.
type Reloader struct {
	path        string
	load        func() (*config.Config, error)
	apply       ApplyFunc
	quietPeriod time.Duration
	maxWait     time.Duration

	current *config.Config
}

// NewReloader watches path. load is called to re-read the full layered
// configuration so env and flag overrides keep their priority.
func NewReloader(path string, current *config.Config, load func() (*config.Config, error), apply ApplyFunc) *Reloader {
	return &Reloader{
		path:        path,
		load:        load,
		apply:       apply,
		quietPeriod: DefaultQuietPeriod,
		maxWait:     DefaultMaxWait,
		current:     current,
	}
}

// Run watches until ctx ends.
func (r *Reloader) Run(ctx context.Context) error {
	fw, err := NewFileWatcher(r.path)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return err
	}

	debouncer := NewDebouncer(fw.Events(), r.quietPeriod, r.maxWait)
	debouncer.Start(ctx)

	for event := range debouncer.Output() {
		if event.Type == ChangeTypeRemove {
			logging.Warn("config file removed, keeping current settings", "path", fw.Path())
			continue
		}
		r.reload()
	}
	return nil
}

func (r *Reloader) reload() {
	updated, err := r.load()
	if err != nil {
		logging.Error("config reload failed", "error", err)
		return
	}
	if err := updated.Validate(); err != nil {
		logging.Error("reloaded config is invalid, keeping current settings", "error", err)
		return
	}

	changes := AnalyzeChanges(r.current, updated)
	if changes.Empty() {
		logging.Debug("config file changed without effective changes")
		return
	}
	if len(changes.Restart) > 0 {
		logging.Warn("config changes need a restart", "sections", changes.Restart)
	}
	r.apply(updated, changes)
	r.current = updated
}
