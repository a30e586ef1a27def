// Package display renders relay status snapshots: a live terminal panel in
// the spirit of the nodes' OLED, a log line per change for headless runs,
// or nothing at all.
package display

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pterm/pterm"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/relay"
)

const maxFrameText = 64

// ─── Panel ──────────────────────────────────────────────────────────────────

// Panel redraws a pterm area in place. It only redraws when the rendered
// text changes, so a fast refresh timer costs nothing while idle.
type Panel struct {
	mu   sync.Mutex
	area *pterm.AreaPrinter
	last string
}

// NewPanel takes over the terminal area below the cursor.
func NewPanel() (*Panel, error) {
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return nil, fmt.Errorf("display: start area: %w", err)
	}
	return &Panel{area: area}, nil
}

func (p *Panel) Render(s relay.Status) {
	text := Frame(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	if text == p.last {
		return
	}
	p.last = text
	p.area.Update(text)
}

// Close releases the terminal area, leaving the last frame on screen.
func (p *Panel) Close() error {
	return p.area.Stop()
}

// Frame renders s as the panel text.
func Frame(s relay.Status) string {
	rows := pterm.TableData{
		{"ID", s.ID},
		{"RSSI", fmt.Sprintf("%d", s.RSSI)},
		{"Packet Size", fmt.Sprintf("%d", s.FrameSize)},
		{"Packet", truncate(s.Frame, maxFrameText)},
		{"Originated", fmt.Sprintf("%d", s.Counters.Originated)},
		{"Received", fmt.Sprintf("%d", s.Counters.Received)},
		{"Relayed", fmt.Sprintf("%d", s.Counters.Relayed)},
		{"Dropped", fmt.Sprintf("%d invalid / %d own / %d ttl", s.Counters.Invalid, s.Counters.SelfLoop, s.Counters.TTLExhausted)},
		{"Superseded", fmt.Sprintf("%d", s.Counters.Superseded)},
		{"Overruns", fmt.Sprintf("%d", s.Counters.Overruns)},
	}
	if s.Role == relay.RoleGateway {
		rows = append(rows,
			[]string{"WiFi", s.Link},
			[]string{"MQTT", s.Session},
			[]string{"Published", fmt.Sprintf("%d (%d failed)", s.Published, s.PublishFailed)},
		)
	}
	if s.Pending {
		rows = append(rows, []string{"Pending", "relay queued"})
	}
	if s.Halted {
		rows = append(rows, []string{"State", "HALTED"})
	}
	if s.Notice != "" {
		rows = append(rows, []string{"Notice", s.Notice})
	}

	table, err := pterm.DefaultTable.WithData(rows).Srender()
	if err != nil {
		table = fmt.Sprint(rows)
	}
	return pterm.DefaultBox.WithTitle(title(s.Role)).Sprint(table)
}

func title(r relay.Role) string {
	if r == relay.RoleGateway {
		return "LoRa GATEWAY"
	}
	return "LoRa NODE"
}

// truncate cuts s to at most n bytes, ending on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// ─── Log ────────────────────────────────────────────────────────────────────

// Log writes a one-line summary whenever it differs from the previous one.
type Log struct {
	mu   sync.Mutex
	last string
	logf func(format string, args ...interface{})
}

func NewLog() *Log {
	return &Log{logf: logging.Infof}
}

func (l *Log) Render(s relay.Status) {
	line := Summary(s)
	l.mu.Lock()
	defer l.mu.Unlock()
	if line == l.last {
		return
	}
	l.last = line
	l.logf("display: %s", line)
}

// Summary renders s on one line.
func Summary(s relay.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s orig=%d rx=%d relayed=%d dropped=%d overruns=%d rssi=%d",
		s.Role, s.ID, s.Counters.Originated, s.Counters.Received, s.Counters.Relayed,
		s.Counters.Dropped(), s.Counters.Overruns, s.RSSI)
	if s.Role == relay.RoleGateway {
		fmt.Fprintf(&b, " link=%s session=%s published=%d failed=%d", s.Link, s.Session, s.Published, s.PublishFailed)
	}
	if s.Notice != "" {
		fmt.Fprintf(&b, " notice=%q", s.Notice)
	}
	return b.String()
}

// ─── Nop ────────────────────────────────────────────────────────────────────

// Nop discards every snapshot.
type Nop struct{}

func (Nop) Render(relay.Status) {}
