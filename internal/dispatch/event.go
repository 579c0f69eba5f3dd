package dispatch

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/diff"
)

// eventRecord is the wire form shared by the JSON and archive sinks.
type eventRecord struct {
	Kind        string                  `json:"kind"`
	Table       string                  `json:"table"`
	RowID       int64                   `json:"rowid"`
	Sender      string                  `json:"sender,omitempty"`
	MessageRef  int64                   `json:"message_ref,omitempty"`
	Detected    time.Time               `json:"detected"`
	Changed     []string                `json:"changed,omitempty"`
	Before      map[string]chatdb.Value `json:"before,omitempty"`
	After       map[string]chatdb.Value `json:"after,omitempty"`
	Fingerprint string                  `json:"fingerprint,omitempty"`
}

func toRecord(ev diff.ChangeEvent) eventRecord {
	rec := eventRecord{
		Kind:       ev.Kind.String(),
		Table:      ev.Table.String(),
		RowID:      ev.RowID,
		Sender:     ev.Sender,
		MessageRef: ev.MessageRef,
		Detected:   ev.Detected.UTC(),
		Changed:    ev.Changed,
	}
	if ev.Before != nil {
		rec.Before = ev.Before.Map()
	}
	if ev.After != nil {
		rec.After = ev.After.Map()
	}
	rec.Fingerprint = contentFingerprint(ev)
	return rec
}

// contentFingerprint hashes the recovered content so the archive can match
// re-observations of the same row across restarts without storing the text
// twice. Deleted and edited events fingerprint the before image; inserts
// the after image.
func contentFingerprint(ev diff.ChangeEvent) string {
	row := ev.Before
	if row == nil {
		row = ev.After
	}
	if row == nil {
		return ""
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(ev.Table.String()))
	for _, name := range row.Table.Columns() {
		v := row.Col(name)
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{byte(v.Kind)})
		switch v.Kind {
		case chatdb.KindText:
			h.Write([]byte(v.Text))
		case chatdb.KindBlob:
			h.Write(v.Blob)
		case chatdb.KindInt, chatdb.KindFloat:
			h.Write([]byte(v.String()))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
