package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/diff"
)

// TermSink prints events for a human at a terminal. Verbose mode adds the
// full before/after column values; the default is one line per event.
type TermSink struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewTermSink returns a terminal printer writing to w.
func NewTermSink(w io.Writer, verbose bool) *TermSink {
	return &TermSink{w: w, verbose: verbose}
}

// Name implements Sink.
func (s *TermSink) Name() string { return "terminal" }

// Deliver implements Sink.
func (s *TermSink) Deliver(_ context.Context, ev diff.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s rowid=%d",
		ev.Detected.Format("15:04:05"), ev.Kind, ev.Table, ev.RowID)
	if ev.Sender != "" {
		fmt.Fprintf(&b, " from=%s", ev.Sender)
	}
	if len(ev.Changed) > 0 {
		fmt.Fprintf(&b, " changed=%s", strings.Join(ev.Changed, ","))
	}
	if text := recoveredText(ev); text != "" {
		fmt.Fprintf(&b, " text=%q", text)
	}
	b.WriteByte('\n')

	if s.verbose {
		if ev.Before != nil {
			writeRow(&b, "  before", *ev.Before)
		}
		if ev.After != nil {
			writeRow(&b, "  after ", *ev.After)
		}
	}
	_, err := io.WriteString(s.w, b.String())
	return err
}

// recoveredText pulls the message text worth showing: the last known text
// for deletions and edits, the new text for insertions.
func recoveredText(ev diff.ChangeEvent) string {
	if ev.Table != chatdb.TableMessage {
		return ""
	}
	row := ev.Before
	if ev.Kind == diff.Inserted {
		row = ev.After
	}
	if row == nil {
		return ""
	}
	if v := row.Col(chatdb.ColText); v.Kind == chatdb.KindText {
		return v.Text
	}
	return ""
}

func writeRow(b *strings.Builder, label string, row chatdb.Row) {
	fmt.Fprintf(b, "%s:", label)
	for _, name := range row.Table.Columns() {
		fmt.Fprintf(b, " %s=%s", name, row.Col(name))
	}
	b.WriteByte('\n')
}

// Close implements Sink.
func (s *TermSink) Close() error { return nil }
