//go:build linux

package outbox

import "golang.org/x/sys/unix"

// diskFree reports the bytes available to unprivileged writers on the
// filesystem holding dir. ok is false when the statfs call fails; callers
// skip the quota preflight in that case rather than blocking writes.
func diskFree(dir string) (free uint64, ok bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, false
	}
	return st.Bavail * uint64(st.Bsize), true
}
