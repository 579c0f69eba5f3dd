package snapshot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed state.schema.json
var stateSchemaJSON []byte

var stateSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("state.schema.json", bytes.NewReader(stateSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("state.schema.json")
}

// PersistenceError reports a failure to durably record state. It is fatal:
// running on without a trustworthy cursor risks duplicate or missing
// events on the next start.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist state %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persist writes the full store and cursor to path, via a temp file and an
// atomic rename so a crash never leaves partial state behind.
func (s *Store) Persist(path string) error {
	data, err := json.Marshal(s.toState())
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

// Load restores a store from path. A missing, unreadable, or invalid state
// file yields an empty store with cursor zero and cold=true, which forces a
// full reseed pass; the documented cost of that cold start is a brief
// window of possible duplicate Inserted events. The validation error, if
// any, is returned alongside for logging, never as a failure.
func Load(path string) (s *Store, cold bool, reason error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), true, nil
		}
		return New(), true, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return New(), true, fmt.Errorf("state file corrupt: %w", err)
	}
	if err := stateSchema.Validate(instance); err != nil {
		return New(), true, fmt.Errorf("state file failed schema validation: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return New(), true, fmt.Errorf("state file corrupt: %w", err)
	}
	store, err := fromState(st)
	if err != nil {
		return New(), true, err
	}
	return store, false, nil
}
