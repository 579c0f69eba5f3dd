//go:build !unix

package walread

import (
	"os"
)

// Stat returns the WAL file's identity. Without inodes the identity is the
// size alone; a replaced file of identical size escapes notice here, which
// the salt comparison in the header catches instead.
func Stat(path string) (Ident, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Ident{}, false, nil
		}
		return Ident{}, false, err
	}
	return Ident{Size: fi.Size()}, true, nil
}
