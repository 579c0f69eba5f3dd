package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/diff"
)

// NotifySink raises a desktop notification over D-Bus for deletions and
// unsend-style edits, the events a user watching a conversation actually
// cares about in the moment. Inserted events are ignored. The session bus
// connection is established lazily so a headless run without a bus only
// fails if the sink is actually configured.
type NotifySink struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewNotifySink returns a notification sink.
func NewNotifySink() *NotifySink {
	return &NotifySink{}
}

// Name implements Sink.
func (s *NotifySink) Name() string { return "notify" }

func (s *NotifySink) bus() (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// Deliver implements Sink.
func (s *NotifySink) Deliver(_ context.Context, ev diff.ChangeEvent) error {
	if ev.Table != chatdb.TableMessage {
		return nil
	}
	var summary, body string
	switch ev.Kind {
	case diff.Deleted:
		summary = "Message deleted"
		body = recoveredText(ev)
	case diff.Edited:
		summary = "Message edited"
		if ev.Before != nil {
			if v := ev.Before.Col(chatdb.ColText); v.Kind == chatdb.KindText {
				body = v.Text
			}
		}
	default:
		return nil
	}
	if ev.Sender != "" {
		summary += " · " + ev.Sender
	}

	conn, err := s.bus()
	if err != nil {
		return err
	}
	obj := conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")
	call := obj.Call("org.freedesktop.Notifications.Notify", 0,
		"undeleterd", uint32(0), "", summary, body,
		[]string{}, map[string]dbus.Variant{}, int32(5000))
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	return nil
}

// Close implements Sink.
func (s *NotifySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
