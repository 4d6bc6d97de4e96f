package control

import "testing"

func TestRegisterAndRequestAbort(t *testing.T) {
	r := NewRegistry()
	token := r.Register(42)
	if token.Requested() {
		t.Fatalf("fresh token should not be requested")
	}
	r.RequestAbort(42)
	if !token.Requested() {
		t.Fatalf("token should be requested after RequestAbort")
	}
}

func TestRequestAbortUnknownJobIsNoop(t *testing.T) {
	r := NewRegistry()
	r.RequestAbort(999) // should not panic
}

func TestUnregisterRemovesJob(t *testing.T) {
	r := NewRegistry()
	r.Register(1)
	if !r.IsRunning(1) {
		t.Fatalf("expected job 1 to be running")
	}
	r.Unregister(1)
	if r.IsRunning(1) {
		t.Fatalf("expected job 1 to be unregistered")
	}
	r.RequestAbort(1) // no-op, no panic
}

func TestNilTokenIsNeverRequested(t *testing.T) {
	var tok *Token
	if tok.Requested() {
		t.Fatalf("nil token should report not requested")
	}
	if tok.RunID() != "" {
		t.Fatalf("nil token should report empty run id")
	}
}

func TestRegisterAssignsDistinctRunIDs(t *testing.T) {
	r := NewRegistry()
	a := r.Register(1)
	b := r.Register(2)
	if a.RunID() == "" || b.RunID() == "" {
		t.Fatalf("expected non-empty run ids, got %q and %q", a.RunID(), b.RunID())
	}
	if a.RunID() == b.RunID() {
		t.Fatalf("expected distinct run ids, both were %q", a.RunID())
	}
}
