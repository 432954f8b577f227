package sync

import "testing"

func TestReschedDisabledNesting(t *testing.T) {
	defer func() { ReschedHookFn = nil }()

	var hookCalls int
	ReschedHookFn = func() { hookCalls++ }

	outer := DisableResched()
	inner := DisableResched()

	RequestResched()
	inner.Release()
	if hookCalls != 0 {
		t.Fatalf("expected hook to stay pending while outer guard held, got %d calls", hookCalls)
	}

	outer.Release()
	if hookCalls != 1 {
		t.Fatalf("expected pending resched to fire once outer guard released, got %d calls", hookCalls)
	}
}

func TestRequestReschedFiresImmediatelyWhenUnsuppressed(t *testing.T) {
	defer func() { ReschedHookFn = nil }()

	var hookCalls int
	ReschedHookFn = func() { hookCalls++ }

	RequestResched()
	if hookCalls != 1 {
		t.Fatalf("expected immediate hook invocation, got %d calls", hookCalls)
	}
}

func TestReschedDisabledReleaseIsIdempotentPastZero(t *testing.T) {
	g := DisableResched()
	g.Release()
	g.Release()

	if cpuState.reschedDepth != 0 {
		t.Fatalf("expected depth to stay clamped at 0, got %d", cpuState.reschedDepth)
	}
}
