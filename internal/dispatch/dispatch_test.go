package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/diff"
)

func testMessageRow(rowid int64, text chatdb.Value) *chatdb.Row {
	return &chatdb.Row{
		Table: chatdb.TableMessage, RowID: rowid, PageNo: 3,
		Cols: []chatdb.Value{
			chatdb.Text("guid"), text, chatdb.Null(),
			chatdb.Int64(1000), chatdb.Int64(0), chatdb.Int64(2),
			chatdb.Int64(0), chatdb.Text("iMessage"),
		},
	}
}

func deletedEvent(rowid int64, text string) diff.ChangeEvent {
	return diff.ChangeEvent{
		Kind:     diff.Deleted,
		Table:    chatdb.TableMessage,
		RowID:    rowid,
		Before:   testMessageRow(rowid, chatdb.Text(text)),
		Sender:   "+15551234567",
		Detected: time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC),
	}
}

// fakeSink records deliveries and fails or stalls on demand.
type fakeSink struct {
	name  string
	fail  error
	stall time.Duration

	mu        sync.Mutex
	delivered []int64
	closed    bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Deliver(ctx context.Context, ev diff.ChangeEvent) error {
	if s.stall > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.stall):
		}
	}
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, ev.RowID)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestDispatchDeliversInOrder(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	d := New([]Sink{a, b}, time.Second, nil)

	errs := d.Dispatch(context.Background(), []diff.ChangeEvent{
		deletedEvent(1, "one"), deletedEvent(2, "two"), deletedEvent(3, "three"),
	})
	assert.Empty(t, errs)
	assert.Equal(t, []int64{1, 2, 3}, a.delivered)
	assert.Equal(t, []int64{1, 2, 3}, b.delivered)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	boom := errors.New("disk full")
	bad := &fakeSink{name: "bad", fail: boom}
	good := &fakeSink{name: "good"}
	d := New([]Sink{bad, good}, time.Second, nil)

	errs := d.Dispatch(context.Background(), []diff.ChangeEvent{deletedEvent(7, "x")})
	require.Len(t, errs, 1)
	assert.Equal(t, "bad", errs[0].Sink)
	assert.Equal(t, int64(7), errs[0].RowID)
	assert.ErrorIs(t, errs[0].Err, boom)
	// The healthy sink still got the event.
	assert.Equal(t, []int64{7}, good.delivered)
}

func TestDispatchTimesOutStuckSink(t *testing.T) {
	stuck := &fakeSink{name: "stuck", stall: time.Minute}
	quick := &fakeSink{name: "quick"}
	d := New([]Sink{stuck, quick}, 20*time.Millisecond, nil)

	start := time.Now()
	errs := d.Dispatch(context.Background(), []diff.ChangeEvent{deletedEvent(1, "x")})
	assert.Less(t, time.Since(start), 10*time.Second)
	require.Len(t, errs, 1)
	assert.Equal(t, "stuck", errs[0].Sink)
	assert.Equal(t, []int64{1}, quick.delivered)
}

func TestDispatcherClose(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	d := New([]Sink{a, b}, time.Second, nil)
	require.NoError(t, d.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestTermSinkLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewTermSink(&buf, false)

	ev := deletedEvent(42, "the missing text")
	ev.Changed = nil
	require.NoError(t, s.Deliver(context.Background(), ev))

	line := buf.String()
	assert.Contains(t, line, "deleted message rowid=42")
	assert.Contains(t, line, "from=+15551234567")
	assert.Contains(t, line, `text="the missing text"`)
	assert.Equal(t, 1, strings.Count(line, "\n"))
}

func TestTermSinkVerbose(t *testing.T) {
	var buf bytes.Buffer
	s := NewTermSink(&buf, true)

	ev := diff.ChangeEvent{
		Kind: diff.Edited, Table: chatdb.TableMessage, RowID: 9,
		Before:  testMessageRow(9, chatdb.Text("old")),
		After:   testMessageRow(9, chatdb.Null()),
		Changed: []string{chatdb.ColText},
	}
	require.NoError(t, s.Deliver(context.Background(), ev))

	out := buf.String()
	assert.Contains(t, out, "changed=text")
	assert.Contains(t, out, "before: guid=guid text=old")
	assert.Contains(t, out, "after : guid=guid text=NULL")
}

func TestJSONSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := NewJSONSink(path, false)
	require.NoError(t, err)

	require.NoError(t, s.Deliver(context.Background(), deletedEvent(1, "first")))
	require.NoError(t, s.Deliver(context.Background(), deletedEvent(2, "second")))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec eventRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "deleted", rec.Kind)
	assert.Equal(t, "message", rec.Table)
	assert.Equal(t, int64(1), rec.RowID)
	assert.Equal(t, "+15551234567", rec.Sender)
	require.NotNil(t, rec.Before)
	assert.Equal(t, chatdb.Text("first"), rec.Before["text"])
	assert.Nil(t, rec.After)
	assert.NotEmpty(t, rec.Fingerprint)
}

func TestWebhookSinkPosts(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []eventRecord
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var rec eventRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		mu.Lock()
		got = append(got, rec)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, "s3cret")
	defer s.Close()

	require.NoError(t, s.Deliver(context.Background(), deletedEvent(42, "gone")))
	require.Len(t, got, 1)
	assert.Equal(t, "deleted", got[0].Kind)
	assert.Equal(t, int64(42), got[0].RowID)
	assert.Equal(t, "Bearer s3cret", auth)

	// Without a token no Authorization header is sent.
	s2 := NewWebhookSink(srv.URL, "")
	defer s2.Close()
	require.NoError(t, s2.Deliver(context.Background(), deletedEvent(43, "also gone")))
	assert.Empty(t, auth)
}

func TestWebhookSinkFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, "")
	defer s.Close()
	err := s.Deliver(context.Background(), deletedEvent(1, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	// An unreachable endpoint is a delivery error, not a panic.
	down := NewWebhookSink("http://127.0.0.1:1/events", "")
	defer down.Close()
	assert.Error(t, down.Deliver(context.Background(), deletedEvent(2, "y")))
}

func TestContentFingerprint(t *testing.T) {
	a := deletedEvent(1, "same text")
	b := deletedEvent(2, "same text")
	c := deletedEvent(3, "different text")

	// Rowid is identity, not content: the same recovered content hashes
	// identically across rows, different content does not.
	assert.Equal(t, contentFingerprint(a), contentFingerprint(b))
	assert.NotEqual(t, contentFingerprint(a), contentFingerprint(c))
	assert.Empty(t, contentFingerprint(diff.ChangeEvent{}))
}
