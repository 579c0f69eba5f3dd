//go:build unix

package walread

import "golang.org/x/sys/unix"

// Stat returns the WAL file's identity. The inode distinguishes truncation
// (same inode, smaller size) from replacement (new inode), which the race
// handler treats differently. ok is false when the file does not exist,
// which is how a just-checkpointed log often looks.
func Stat(path string) (Ident, bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return Ident{}, false, nil
		}
		return Ident{}, false, err
	}
	return Ident{Ino: st.Ino, Size: st.Size}, true, nil
}
