// Package chatdb models the tracked subset of the message-store schema:
// the tables the monitor reconstructs (message, attachment, handle,
// chat_message_join, message_attachment_join), the column value model
// shared by the page decoder
// and the diff engine, and direct read access to the main database file
// used when the WAL has been checkpointed away.
package chatdb

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind discriminates the storage classes a decoded column can hold.
// It is a closed set: SQLite's serial types collapse to exactly these five.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

// String returns the kind name used in logs and state files.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Value is one decoded column value. The zero Value is NULL.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

// Null returns a NULL value.
func Null() Value { return Value{} }

// Int64 returns an integer value.
func Int64(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Float64 returns a floating-point value.
func Float64(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// Text returns a text value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Blob returns a blob value. The byte slice is not copied.
func Blob(b []byte) Value { return Value{Kind: KindBlob, Blob: b} }

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal reports whether two values are identical in kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindText:
		return v.Text == o.Text
	case KindBlob:
		return bytes.Equal(v.Blob, o.Blob)
	}
	return false
}

// String renders the value for terminal output and log attributes.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindText:
		return v.Text
	case KindBlob:
		return fmt.Sprintf("blob[%d]", len(v.Blob))
	}
	return "?"
}

// jsonValue is the persisted wire shape of a Value. Blobs are base64 so the
// state file stays valid UTF-8 JSON.
type jsonValue struct {
	Kind  string   `json:"k"`
	Int   *int64   `json:"i,omitempty"`
	Float *float64 `json:"f,omitempty"`
	Text  *string  `json:"t,omitempty"`
	Blob  *string  `json:"b,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{Kind: v.Kind.String()}
	switch v.Kind {
	case KindInt:
		jv.Int = &v.Int
	case KindFloat:
		jv.Float = &v.Float
	case KindText:
		jv.Text = &v.Text
	case KindBlob:
		enc := base64.StdEncoding.EncodeToString(v.Blob)
		jv.Blob = &enc
	}
	return json.Marshal(jv)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	switch jv.Kind {
	case "null":
		*v = Null()
	case "int":
		if jv.Int == nil {
			return fmt.Errorf("chatdb: int value missing payload")
		}
		*v = Int64(*jv.Int)
	case "float":
		if jv.Float == nil {
			return fmt.Errorf("chatdb: float value missing payload")
		}
		*v = Float64(*jv.Float)
	case "text":
		if jv.Text == nil {
			return fmt.Errorf("chatdb: text value missing payload")
		}
		*v = Text(*jv.Text)
	case "blob":
		if jv.Blob == nil {
			return fmt.Errorf("chatdb: blob value missing payload")
		}
		raw, err := base64.StdEncoding.DecodeString(*jv.Blob)
		if err != nil {
			return fmt.Errorf("chatdb: decode blob value: %w", err)
		}
		*v = Blob(raw)
	default:
		return fmt.Errorf("chatdb: unknown value kind %q", jv.Kind)
	}
	return nil
}
