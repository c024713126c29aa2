// Package pause implements the cpu_pause hint the issues while the
// cache agent idles waiting for new peer logs.
//
// Go has no portable PAUSE/YIELD intrinsic in the standard library; rather
// than hand-roll one, this package probes golang.org/x/sys/cpu for the
// instruction sets real pause-loop implementations gate on (reported by
// Available) and issues the hint itself as runtime.Gosched on every host,
// whatever the probe finds — the same "use the ecosystem detection, rely
// on the scheduler" shape the wider example pack reaches for instead of
// asm stubs.
package pause

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// hintAvailable is true when the host CPU exposes an instruction set whose
// presence signals a modern-enough core for a tight pause/yield loop to be
// worth distinguishing from a plain scheduler yield (busy-wait back-off is
// cheaper on cores with SSE2-class pause support).
var hintAvailable = cpu.X86.HasSSE2 || cpu.ARM64.HasATOMICS

// Hint yields the current goroutine's timeslice once. On hosts where
// hintAvailable is true this still routes through runtime.Gosched (Go
// exposes no asm PAUSE builtin), but callers use Hint rather than calling
// runtime.Gosched directly so the idle-policy decision point in
// cacheagent stays centralized and testable.
func Hint() {
	runtime.Gosched()
}

// Available reports whether the host CPU exposes the instruction sets this
// package's detection understands, for diagnostics/metrics only.
func Available() bool { return hintAvailable }
