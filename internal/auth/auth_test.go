package auth

import "testing"

func TestNewRegistry_OwnerHasAll(t *testing.T) {
	r := NewRegistry("owner")
	if !r.Has("owner", CapOwner|CapOperator|CapWhitelisted|CapBackstop) {
		t.Error("owner should hold all capabilities")
	}
}

func TestGrantRevoke(t *testing.T) {
	r := NewRegistry("owner")
	r.Grant("bot", CapBackstop|CapWhitelisted)
	if !r.Has("bot", CapBackstop) || !r.Has("bot", CapWhitelisted) {
		t.Error("granted capabilities missing")
	}
	r.Revoke("bot", CapBackstop)
	if r.Has("bot", CapBackstop) {
		t.Error("revoked capability still present")
	}
	if !r.Has("bot", CapWhitelisted) {
		t.Error("revoke removed an unrelated capability")
	}
}

func TestRequire(t *testing.T) {
	r := NewRegistry("owner")
	if err := r.Require("someone", CapOperator); err != ErrForbidden {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := r.Require("owner", CapOperator); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
