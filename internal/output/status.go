package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Snapshot is one frame of playback state shown on the status line.
type Snapshot struct {
	State     string
	Position  float64
	Duration  float64
	Buffered  float64
	Bandwidth string
	Variant   string
	Stalled   bool
}

// Line renders the snapshot as plain text, without styling.
func (s Snapshot) Line(barWidth int) string {
	icon := StyleSymbols["play"]
	if s.Stalled {
		icon = StyleSymbols["pause"]
	}
	parts := []string{
		icon,
		fmt.Sprintf("%s / %s", FormatClock(s.Position), FormatClock(s.Duration)),
		ProgressBar(s.Position, s.Duration, barWidth),
		fmt.Sprintf("buf %s", FormatClock(s.Buffered)),
	}
	if s.Bandwidth != "" {
		parts = append(parts, s.Bandwidth)
	}
	if s.Variant != "" {
		parts = append(parts, s.Variant)
	}
	if s.State != "" {
		parts = append(parts, s.State)
	}
	return strings.Join(parts, " "+StyleSymbols["dot"]+" ")
}

// StatusLine redraws a single line in place on a terminal. On anything else
// it prints one line per update.
type StatusLine struct {
	mu      sync.Mutex
	w       io.Writer
	width   int
	inPlace bool
	drawn   bool
}

func NewStatusLine(w io.Writer, width int, inPlace bool) *StatusLine {
	return &StatusLine{w: w, width: width, inPlace: inPlace}
}

func (l *StatusLine) Update(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := Fit(s.Line(20), l.width-1)
	style := infoStyle
	if s.Stalled {
		style = warningStyle
	}
	if l.inPlace {
		fmt.Fprint(l.w, "\r\033[K"+style.Render(line))
		l.drawn = true
		return
	}
	fmt.Fprintln(l.w, line)
}

// Done moves past the status line so later output starts on a fresh row.
func (l *StatusLine) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inPlace && l.drawn {
		fmt.Fprintln(l.w)
		l.drawn = false
	}
}
