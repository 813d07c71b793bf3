package trap

import "testing"

func TestClassifyRestartsNormalClipException(t *testing.T) {
	d := Classify(Context{Kind: KindDataAbort, ClipLabel: "heartbeat"})
	if d != DispositionRestartClip {
		t.Fatalf("got %v, want restart_clip", d)
	}
}

func TestClassifyHardResetsKernelContext(t *testing.T) {
	d := Classify(Context{Kind: KindUndefined, InKernelContext: true})
	if d != DispositionHardReset {
		t.Fatalf("got %v, want hard_reset", d)
	}
}

func TestClassifyHardResetsRecursiveException(t *testing.T) {
	d := Classify(Context{Kind: KindSVC, RecursiveException: true})
	if d != DispositionHardReset {
		t.Fatalf("got %v, want hard_reset", d)
	}
}

func TestHandlerDispatchesToConfiguredCallback(t *testing.T) {
	var restarted, reset string
	h := &Handler{
		OnRestartClip: func(clip string, ctx Context) { restarted = clip },
		OnHardReset:   func(ctx Context) { reset = ctx.ClipLabel },
	}
	if err := h.Handle(Context{Kind: KindDataAbort, ClipLabel: "pingback"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if restarted != "pingback" {
		t.Fatalf("restarted = %q, want pingback", restarted)
	}

	if err := h.Handle(Context{Kind: KindUndefined, InKernelContext: true, ClipLabel: "scheduler"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reset != "scheduler" {
		t.Fatalf("reset = %q, want scheduler", reset)
	}
}

func TestHandlerErrorsWithoutConfiguredCallback(t *testing.T) {
	h := &Handler{}
	if err := h.Handle(Context{Kind: KindDataAbort}); err == nil {
		t.Fatal("expected error when no restart callback is configured")
	}
	if err := h.Handle(Context{Kind: KindUndefined, InKernelContext: true}); err == nil {
		t.Fatal("expected error when no hard-reset callback is configured")
	}
}
