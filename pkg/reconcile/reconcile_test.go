package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVersionNewer(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	tests := []struct {
		name string
		v    Version
		old  Version
		want bool
	}{
		{"later timestamp", Version{At: t1}, Version{At: t0, Seq: 9}, true},
		{"earlier timestamp", Version{At: t0, Seq: 9}, Version{At: t1}, false},
		{"same timestamp higher seq", Version{At: t0, Seq: 2}, Version{At: t0, Seq: 1}, true},
		{"same timestamp same seq", Version{At: t0, Seq: 1}, Version{At: t0, Seq: 1}, false},
		{"no timestamps", Version{Seq: 5}, Version{Seq: 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Newer(tt.old); got != tt.want {
				t.Errorf("Newer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCellLastWriterWins(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var c Cell[string]
	_, _, ok := c.Get()
	assert.False(t, ok)

	assert.True(t, c.Offer(Version{At: t0, Seq: 1}, "push"))
	// A slower REST response with an older timestamp loses.
	assert.False(t, c.Offer(Version{At: t0.Add(-time.Second)}, "stale poll"))
	assert.True(t, c.Offer(Version{At: t0.Add(time.Second)}, "fresh poll"))

	v, ver, ok := c.Get()
	assert.True(t, ok)
	assert.Equal(t, "fresh poll", v)
	assert.Equal(t, t0.Add(time.Second), ver.At)

	c.Reset()
	_, _, ok = c.Get()
	assert.False(t, ok)
	assert.True(t, c.Offer(Version{}, "anything after reset"))

	c.Set(Version{At: t0.Add(-time.Hour)}, "forced")
	v, ver, _ = c.Get()
	assert.Equal(t, "forced", v)
	assert.Equal(t, t0.Add(-time.Hour), ver.At)
}

func TestDiff(t *testing.T) {
	old := map[string]any{"status": "running", "progress": 0.5, "node": "q1"}
	new := map[string]any{"status": "done", "progress": 0.5, "message": "ok"}

	got := Diff(old, new)

	assert.Equal(t, []Change{
		{Key: "message", Kind: Added, New: "ok"},
		{Key: "node", Kind: Removed, Old: "q1"},
		{Key: "status", Kind: Changed, Old: "running", New: "done"},
	}, got)
	assert.Equal(t, "~ status: running -> done", got[2].String())
	assert.Empty(t, Diff(new, new))
	assert.Len(t, Diff(nil, new), 3)
}
