package progressview

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/prappser/prappser_uploader/internal/pipeline"
)

const barWidth = 30

// Renderer draws pipeline snapshots to a terminal. On a TTY it redraws a
// single line; otherwise it prints a line whenever the text changes.
type Renderer struct {
	out io.Writer
	tty bool

	mu   sync.Mutex
	last string
}

func New(out io.Writer) *Renderer {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Renderer{out: out, tty: tty}
}

// Render is safe to register with Machine.OnChange.
func (r *Renderer) Render(s pipeline.Snapshot) {
	line := Line(s)

	r.mu.Lock()
	defer r.mu.Unlock()
	if line == r.last {
		return
	}
	r.last = line
	if r.tty {
		fmt.Fprint(r.out, "\r\033[K"+line)
		return
	}
	fmt.Fprintln(r.out, line)
}

// Finish moves past the redrawn line.
func (r *Renderer) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tty && r.last != "" {
		fmt.Fprintln(r.out)
	}
	r.last = ""
}

func Line(s pipeline.Snapshot) string {
	switch {
	case s.Error != "" || s.AttemptID == "" || s.Stage == pipeline.StageComplete:
		return s.StatusLine()
	case s.Stage == pipeline.StageTransporting:
		return fmt.Sprintf("%s %s of %s",
			bar(s.Transport.Percent),
			s.StatusLine(),
			humanize.Bytes(uint64(max(s.Transport.Total, 0))))
	case s.Stage == pipeline.StageReuploadingSegments && s.Segments.Total > 0:
		return fmt.Sprintf("%s %s", bar(s.Segments.Percent), s.StatusLine())
	case s.Stage >= pipeline.StageTranscoding:
		return s.StatusLine() + "  " + Ladder(s)
	default:
		return s.StatusLine()
	}
}

// Ladder renders one marker per resolution, e.g. "144p ✓ 240p 40% 360p -".
func Ladder(s pipeline.Snapshot) string {
	parts := make([]string, 0, len(pipeline.Resolutions))
	for _, state := range s.ResolutionStatuses() {
		switch state.Status {
		case pipeline.ResolutionComplete:
			parts = append(parts, state.Resolution+" ✓")
		case pipeline.ResolutionProcessing:
			parts = append(parts, fmt.Sprintf("%s %d%%", state.Resolution, int(state.Progress)))
		default:
			parts = append(parts, state.Resolution+" -")
		}
	}
	return strings.Join(parts, " ")
}

func bar(percent float64) string {
	filled := int(percent / 100 * barWidth)
	filled = max(0, min(filled, barWidth))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]"
}
