// Package ringlog formats per-epoch protocol logs (spec.md §6) and
// keeps a bounded backlog of recent lines for crash-time dumps. The
// sink-wrapping mirrors seedhammer.com/driver/mjolnir.Engrave's
// bufio.Writer-wrapped write path; the backlog reuses the fixed-
// capacity ring idiom of seedhammer.com/stepper.knotBuffer.
package ringlog

import (
	"bufio"
	"fmt"
	"io"
)

// Ring keeps the last capacity lines written through it, in addition to
// forwarding every line to the underlying sink.
type Ring struct {
	w        *bufio.Writer
	lines    []string
	start    int
	len      int
	capacity int
}

// New creates a Ring writing through to sink and retaining the most
// recent capacity lines.
func New(sink io.Writer, capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{w: bufio.NewWriter(sink), lines: make([]string, capacity), capacity: capacity}
}

// Printf formats and writes one log line, terminated with a newline,
// and records it in the backlog.
func (r *Ring) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	fmt.Fprintln(r.w, line)
	r.push(line)
}

func (r *Ring) push(line string) {
	idx := (r.start + r.len) % r.capacity
	r.lines[idx] = line
	if r.len < r.capacity {
		r.len++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
}

// Flush flushes the underlying sink.
func (r *Ring) Flush() error {
	return r.w.Flush()
}

// Backlog returns the retained lines, oldest first.
func (r *Ring) Backlog() []string {
	out := make([]string, r.len)
	for i := 0; i < r.len; i++ {
		out[i] = r.lines[(r.start+i)%r.capacity]
	}
	return out
}

// EpochSummary formats the minimal per-epoch line required by spec.md
// §6: "E <epoch>, NSLOTS <n>" plus the ACK and pool bitmaps and a
// TX/RX/TO/ER stats block.
func EpochSummary(epoch uint16, nslots int, ackBitmap, poolBitmap uint64, tx, rx, to, er int) string {
	return fmt.Sprintf("E %d, NSLOTS %d, ACK %016x, POOL %016x, TX %d RX %d TO %d ER %d",
		epoch, nslots, ackBitmap, poolBitmap, tx, rx, to, er)
}

// ExitReason formats the human-readable "Exit epoch due ..." line
// (spec.md §7).
func ExitReason(who, epoch, reason string) string {
	return fmt.Sprintf("Exit (%s) epoch %s due %s", who, epoch, reason)
}
