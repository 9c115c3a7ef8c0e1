package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// StdoutOptions configures a StdoutNotifier.
type StdoutOptions struct {
	Writer io.Writer // Defaults to os.Stdout
	Raw    bool      // Terminal is in raw mode; end lines with \r\n
	Brief  bool      // Header line only
}

// StdoutNotifier prints notifications to a terminal or stream.
type StdoutNotifier struct {
	mu    sync.Mutex
	w     io.Writer
	eol   string
	brief bool
	title *color.Color
	dim   *color.Color
}

// NewStdoutNotifier creates a stdout notifier.
func NewStdoutNotifier(opts StdoutOptions) *StdoutNotifier {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	eol := "\n"
	if opts.Raw {
		eol = "\r\n"
	}
	return &StdoutNotifier{
		w:     w,
		eol:   eol,
		brief: opts.Brief,
		title: color.New(color.FgYellow, color.Bold),
		dim:   color.New(color.Faint),
	}
}

// Name returns the notifier type.
func (s *StdoutNotifier) Name() string {
	return "stdout"
}

// Send prints a notification.
func (s *StdoutNotifier) Send(ctx context.Context, n *Notification) error {
	var sb strings.Builder

	header := n.Title
	if n.PatternID != "" && n.PatternID != n.Title {
		header = fmt.Sprintf("%s (%s)", n.Title, n.PatternID)
	}
	fmt.Fprintf(&sb, "[%s] %s", n.Time.Format("15:04:05"), s.title.Sprint(header))
	if len(n.Response) > 0 {
		sb.WriteString(s.dim.Sprintf(" -> %s", strings.Join(n.Response, " ")))
	}
	sb.WriteString(s.eol)

	if !s.brief {
		if n.Message != "" {
			sb.WriteString("  " + n.Message + s.eol)
		}
		if n.Snippet != "" {
			sb.WriteString(s.dim.Sprint("  ---") + s.eol)
			for _, line := range strings.Split(strings.TrimRight(n.Snippet, "\n"), "\n") {
				sb.WriteString("  " + line + s.eol)
			}
			sb.WriteString(s.dim.Sprint("  ---") + s.eol)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, sb.String())
	return err
}
