package reactor

import (
	"runtime"
	"strconv"
)

// goroutineID returns the id of the calling goroutine by parsing the
// header line of a runtime.Stack dump: a cheap, best-effort way to
// answer "which execution context am I" for ownership assertions and
// the RunInLoop fast path. It is never relied on for memory safety;
// QueueInLoop's mutex-protected append is correct regardless of whether
// this identifies the loop goroutine.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Format: "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	s := string(buf[:n])
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return 0
	}
	s = s[len(prefix):]
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	id, _ := strconv.ParseUint(s[:i], 10, 64)
	return id
}
