package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Renderer draws an in-place progress line on a terminal. When the output
// is not a TTY (pipes, CI) it degrades to plain timestamped lines so logs
// stay readable.
type Renderer struct {
	tracker *Tracker
	out     io.Writer
	isTTY   bool

	mu       sync.Mutex
	lastDraw time.Time
	drewLine bool
}

var _ Monitor = (*Renderer)(nil)

// minRedraw throttles terminal updates.
const minRedraw = 100 * time.Millisecond

// NewRenderer creates a renderer writing to out. Pass os.Stderr in the CLI;
// TTY detection only fires for *os.File outputs.
func NewRenderer(out io.Writer) *Renderer {
	r := &Renderer{
		tracker: NewTracker(),
		out:     out,
	}
	if f, ok := out.(*os.File); ok {
		r.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return r
}

func (r *Renderer) AddToTotal(kind string, n int64)     { r.tracker.AddToTotal(kind, n) }
func (r *Renderer) EntitiesLoaded(kind string, n int64) { r.tracker.EntitiesLoaded(kind, n) }
func (r *Renderer) DocumentsBuilt(kind string, n int64) { r.tracker.DocumentsBuilt(kind, n) }

func (r *Renderer) DocumentsAdded(kind string, n int64) {
	r.tracker.DocumentsAdded(kind, n)
	r.draw(false)
}

func (r *Renderer) Done() {
	r.tracker.Done()
	r.draw(true)
	r.mu.Lock()
	if r.isTTY && r.drewLine {
		fmt.Fprintln(r.out)
	}
	r.mu.Unlock()
}

func (r *Renderer) draw(final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !final && time.Since(r.lastDraw) < minRedraw {
		return
	}
	r.lastDraw = time.Now()

	snap := r.tracker.Snapshot()
	line := fmt.Sprintf("indexed %d/%d (%s) at %.0f docs/s",
		snap.Added, snap.Total, formatPercent(snap.Percent()), snap.Rate())

	if r.isTTY {
		fmt.Fprintf(r.out, "\r\033[K%s", line)
		r.drewLine = true
		return
	}
	fmt.Fprintf(r.out, "%s %s\n", time.Now().Format(time.TimeOnly), line)
}

func formatPercent(pct float64) string {
	return fmt.Sprintf("%.1f%%", pct)
}
