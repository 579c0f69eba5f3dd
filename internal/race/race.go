// Package race coordinates WAL reads with SQLite's checkpoint behavior.
// The monitor never locks the database, so a checkpoint can truncate or
// replace the log at any moment between passes; this package decides, each
// tick, whether the log can be tailed from the cursor, needs to be waited
// out, or has lost continuity and forces a reseed from the main database.
// The three states are an explicit enumeration so the transitions are
// testable on their own.
package race

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"undeleterd/internal/snapshot"
	"undeleterd/internal/walread"
)

// State of the handler.
type State int

const (
	// Stable: the log is continuous with the cursor; read appended frames.
	Stable State = iota
	// Racing: the log changed underneath us; retrying while a concurrent
	// checkpoint may still be flushing.
	Racing
	// Reseeding: continuity is gone; rebuilding from the main database.
	Reseeding
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stable:
		return "stable"
	case Racing:
		return "racing"
	case Reseeding:
		return "reseeding"
	default:
		return "unknown"
	}
}

// ErrRaceExhausted reports that retries ran out before the log settled.
// Non-fatal: it forces the reseed that would have followed anyway, and is
// surfaced so the gap is never silent.
var ErrRaceExhausted = errors.New("race: checkpoint race retries exhausted")

// Observation is one look at the WAL file: its filesystem identity and, if
// readable, its parsed header. A header read that fails with a format
// error is a torn header, recorded in HeaderErr.
type Observation struct {
	Present   bool
	Ident     walread.Ident
	Header    walread.Header
	HeaderOK  bool
	HeaderErr error
}

// equal reports whether two observations describe the same settled file.
func (o Observation) equal(p Observation) bool {
	if o.Present != p.Present {
		return false
	}
	if !o.Present {
		return true
	}
	return o.Ident == p.Ident && o.HeaderOK == p.HeaderOK && o.Header == p.Header
}

// Action is the handler's verdict for one pass.
type Action int

const (
	// ActionNone: nothing to read this pass.
	ActionNone Action = iota
	// ActionAppend: tail frames from the cursor.
	ActionAppend
	// ActionReseed: rebuild from the main database file.
	ActionReseed
)

// Decision carries the verdict plus what the pass needs to act on it.
type Decision struct {
	Action    Action
	Obs       Observation
	Exhausted bool
}

// Handler is the checkpoint race state machine.
type Handler struct {
	maxRetries int
	backoff    time.Duration
	log        *slog.Logger
	state      State

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a handler. backoff is the first retry delay; each retry
// doubles it.
func New(maxRetries int, backoff time.Duration, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		maxRetries: maxRetries,
		backoff:    backoff,
		log:        log,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current state.
func (h *Handler) State() State { return h.state }

// continuous reports whether the observed log is a continuation of what
// the cursor already consumed.
func continuous(cur snapshot.Cursor, obs Observation) bool {
	if !obs.Present || !obs.HeaderOK {
		return false
	}
	if cur.Salt1 != obs.Header.Salt1 || cur.Salt2 != obs.Header.Salt2 {
		return false
	}
	if cur.CkptSeq != obs.Header.CheckpointSeq {
		return false
	}
	if cur.WALIno != 0 && obs.Ident.Ino != 0 && cur.WALIno != obs.Ident.Ino {
		return false
	}
	// Shrinking below the consumed region means truncation even if the
	// salts survived in a recycled header.
	consumed := int64(walread.HeaderSize) + cur.FrameIndex*obs.Header.FrameSize()
	return obs.Ident.Size >= consumed
}

// Decide classifies one pass. observe is called at least once; during
// Racing it is called again after each backoff until two consecutive
// observations agree or retries exhaust.
func (h *Handler) Decide(ctx context.Context, cur snapshot.Cursor, observe func() (Observation, error)) (Decision, error) {
	obs, err := observe()
	if err != nil {
		return Decision{}, err
	}

	cold := cur.Generation == 0 && cur.FrameIndex == 0 && cur.Salt1 == 0 && cur.Salt2 == 0

	if !cold && continuous(cur, obs) {
		h.state = Stable
		return Decision{Action: ActionAppend, Obs: obs}, nil
	}
	// A missing log, or one truncated below a full header, holds nothing to
	// read. With no frames consumed this generation that is not a
	// continuity break, just an idle pass.
	empty := !obs.Present ||
		(!obs.HeaderOK && obs.HeaderErr == nil && obs.Ident.Size < walread.HeaderSize)
	if empty && cur.FrameIndex == 0 && !cold {
		h.state = Stable
		return Decision{Action: ActionNone, Obs: obs}, nil
	}

	// Continuity lost. Wait for the file to settle before reseeding so the
	// rebuild reads a consistent image.
	h.state = Racing
	h.log.Debug("wal continuity lost, racing checkpoint",
		"present", obs.Present, "header_ok", obs.HeaderOK)

	settled := false
	prev := obs
	delay := h.backoff
	for attempt := 0; attempt < h.maxRetries; attempt++ {
		if err := h.sleep(ctx, delay); err != nil {
			return Decision{}, err
		}
		delay *= 2
		next, err := observe()
		if err != nil {
			return Decision{}, err
		}
		if next.equal(prev) && (!next.Present || next.HeaderOK || next.Ident.Size < walread.HeaderSize) {
			obs = next
			settled = true
			break
		}
		prev = next
	}

	h.state = Reseeding
	if !settled {
		h.log.Warn("checkpoint race did not settle, reseeding anyway",
			"retries", h.maxRetries, "err", ErrRaceExhausted)
		return Decision{Action: ActionReseed, Obs: obs, Exhausted: true}, nil
	}
	return Decision{Action: ActionReseed, Obs: obs}, nil
}

// Complete records that the pass finished and the handler is stable again.
func (h *Handler) Complete() {
	h.state = Stable
}

// Describe renders a decision for logs.
func (d Decision) Describe() string {
	switch d.Action {
	case ActionAppend:
		return "append"
	case ActionReseed:
		if d.Exhausted {
			return fmt.Sprintf("reseed (%v)", ErrRaceExhausted)
		}
		return "reseed"
	default:
		return "none"
	}
}
