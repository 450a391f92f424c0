// Package output renders the live stream for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/qcal/livelink/pkg/connection"
	"github.com/qcal/livelink/pkg/pubsub"
	"github.com/qcal/livelink/pkg/reconcile"
)

const timeLayout = "15:04:05.000"

// Printer writes envelopes as they arrive. Object payloads are printed in
// full the first time a topic is seen and as key-level diffs afterwards.
type Printer struct {
	w    io.Writer
	mu   sync.Mutex
	last map[string]map[string]any

	bold   *color.Color
	red    *color.Color
	green  *color.Color
	yellow *color.Color
	cyan   *color.Color
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{
		w:      w,
		last:   make(map[string]map[string]any),
		bold:   color.New(color.Bold),
		red:    color.New(color.FgRed),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		cyan:   color.New(color.FgCyan),
	}
}

// Envelope prints one received message.
func (p *Printer) Envelope(env pubsub.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cyan.Fprintf(p.w, "%s ", env.Received.Format(timeLayout))
	p.bold.Fprintf(p.w, "%s", env.Topic)
	fmt.Fprintf(p.w, " #%d\n", env.Seq)

	obj, ok := env.Data.(map[string]any)
	if !ok {
		fmt.Fprintf(p.w, "  %s\n", render(env.Data))
		return
	}

	prev, seen := p.last[env.Topic]
	p.last[env.Topic] = obj
	if !seen {
		fmt.Fprintf(p.w, "  %s\n", render(obj))
		return
	}

	changes := reconcile.Diff(prev, obj)
	if len(changes) == 0 {
		fmt.Fprintln(p.w, "  (unchanged)")
		return
	}
	for _, c := range changes {
		switch c.Kind {
		case reconcile.Added:
			p.green.Fprintf(p.w, "  %s\n", c)
		case reconcile.Removed:
			p.red.Fprintf(p.w, "  %s\n", c)
		default:
			p.yellow.Fprintf(p.w, "  %s\n", c)
		}
	}
}

// State prints a connection state change.
func (p *Printer) State(s connection.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.yellow
	switch s {
	case connection.StateConnected:
		c = p.green
	case connection.StateError:
		c = p.red
	}
	c.Fprintf(p.w, "connection %s\n", s)
}

// Forget drops the remembered payload of every topic, so the next message
// of each is printed in full.
func (p *Printer) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.last)
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
