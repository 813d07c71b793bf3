// Package trap converts CPU exceptions into clip-restart or hard-reset
// decisions, per spec.md §2 item 2 and §7. On the host there is no real
// exception vector table; the scheduler builds a Context from a recovered
// panic value from a clip's guarded invocation and passes it to
// Handler.Handle, playing the role the real vector table plays on target
// hardware.
package trap

import "fmt"

// Kind identifies which CPU exception a trap represents.
type Kind int

const (
	KindUndefined Kind = iota
	KindPrefetchAbort
	KindDataAbort
	KindSVC
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindPrefetchAbort:
		return "prefetch_abort"
	case KindDataAbort:
		return "data_abort"
	case KindSVC:
		return "svc"
	default:
		return "unknown"
	}
}

// Context records whether the exception was taken while already inside
// kernel (scheduler) code, or while servicing another exception for the
// same clip.
type Context struct {
	Kind               Kind
	InKernelContext    bool
	RecursiveException bool
	ClipLabel          string
	Detail             string
}

// Disposition is what the scheduler must do in response to a trap.
type Disposition int

const (
	DispositionRestartClip Disposition = iota
	DispositionHardReset
)

func (d Disposition) String() string {
	if d == DispositionHardReset {
		return "hard_reset"
	}
	return "restart_clip"
}

// Classify decides a trap's disposition: nested or kernel-context
// exceptions are unrecoverable and force a hard reset; everything else
// restarts the offending clip (spec.md §7 Fatal vs Malfunction/Assertion
// taxonomy).
func Classify(ctx Context) Disposition {
	if ctx.InKernelContext || ctx.RecursiveException {
		return DispositionHardReset
	}
	return DispositionRestartClip
}

// Handler classifies a trap Context into a Disposition, then asks the
// supplied callbacks to act on it.
type Handler struct {
	OnRestartClip func(clip string, ctx Context)
	OnHardReset   func(ctx Context)
}

// Handle classifies ctx and invokes the configured callback. It returns
// an error, without invoking anything, if no callback is configured for
// the resulting disposition.
func (h *Handler) Handle(ctx Context) error {
	switch Classify(ctx) {
	case DispositionHardReset:
		if h.OnHardReset == nil {
			return fmt.Errorf("trap: hard reset required but no handler configured (%s on %s)", ctx.Kind, ctx.ClipLabel)
		}
		h.OnHardReset(ctx)
	default:
		if h.OnRestartClip == nil {
			return fmt.Errorf("trap: clip restart required but no handler configured (%s on %s)", ctx.Kind, ctx.ClipLabel)
		}
		h.OnRestartClip(ctx.ClipLabel, ctx)
	}
	return nil
}
