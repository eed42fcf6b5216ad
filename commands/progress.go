package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/term"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// progressPrinter redraws one status line on a terminal and stays silent otherwise.
type progressPrinter struct {
	out         io.Writer
	tty         bool
	label       string
	lastPercent int
	drawn       bool
}

func newProgressPrinter(out io.Writer, tty bool, path string) *progressPrinter {
	return &progressPrinter{
		out:         out,
		tty:         tty,
		label:       filepath.Base(path),
		lastPercent: -1,
	}
}

func (p *progressPrinter) update(done, total int64) {
	if !p.tty {
		return
	}
	percent := 100
	if total > 0 {
		percent = int(done * 100 / total)
	}
	if percent == p.lastPercent {
		return
	}
	p.lastPercent = percent
	p.drawn = true
	fmt.Fprintf(p.out, "\r%s %3d%% (%s / %s)", p.label, percent, formatBytes(done), formatBytes(total))
}

func (p *progressPrinter) finish(ok bool) {
	if !p.drawn {
		return
	}
	if ok {
		fmt.Fprintln(p.out)
		return
	}
	fmt.Fprintln(p.out, " failed")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
