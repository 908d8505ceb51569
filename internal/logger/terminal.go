//go:build !linux && !windows

package logger

// isTerminal reports whether fd refers to a terminal.
// Conservative default for platforms without a specific implementation.
func isTerminal(fd uintptr) bool {
	return false
}
