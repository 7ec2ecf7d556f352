//go:build !linux

package outbox

func diskFree(string) (uint64, bool) {
	return 0, false
}
