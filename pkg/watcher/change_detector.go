package watcher

import (
	"reflect"

	"github.com/qcal/livelink/pkg/config"
)

// ChangeAnalysis describes what changed between two loaded configurations
// and which of the changes can be applied to a running process.
type ChangeAnalysis struct {
	LogLevel bool
	Scope    bool
	// Restart lists sections that only take effect after a restart.
	Restart []string
}

// Empty reports whether nothing changed.
func (a *ChangeAnalysis) Empty() bool {
	return !a.LogLevel && !a.Scope && len(a.Restart) == 0
}

// AnalyzeChanges compares two configurations section by section.
func AnalyzeChanges(old, updated *config.Config) *ChangeAnalysis {
	analysis := &ChangeAnalysis{
		LogLevel: old.Log.Level != updated.Log.Level,
		Scope:    old.Session.Scope != updated.Session.Scope,
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"transport", old.Transport, updated.Transport},
		{"topics", old.Topics, updated.Topics},
		{"reconnect", old.Reconnect, updated.Reconnect},
		{"session", old.Session.Config, updated.Session.Config},
		{"gateway", old.Gateway, updated.Gateway},
		{"api", old.API, updated.API},
		{"history", old.History, updated.History},
		{"log.format", old.Log.Format, updated.Log.Format},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			analysis.Restart = append(analysis.Restart, s.name)
		}
	}

	return analysis
}
