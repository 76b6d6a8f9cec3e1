// Package auth tracks per-account capabilities for privileged operations:
// market administration, cap-exempt trading and backstop liquidation.
package auth

import (
	"errors"
	"sync"
)

// Capability bits.
type Capability uint8

const (
	// CapOwner may register markets, tune parameters and recenter curves.
	CapOwner Capability = 1 << iota
	// CapOperator may post oracle prices and trigger funding settlement.
	CapOperator
	// CapWhitelisted bypasses per-trader and open-interest caps.
	CapWhitelisted
	// CapBackstop may liquidate positions that already carry bad debt.
	CapBackstop
)

// ErrForbidden is returned when an account lacks a required capability.
var ErrForbidden = errors.New("auth: account lacks required capability")

// Registry maps accounts to capability sets. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry returns a registry granting owner all capabilities.
func NewRegistry(owner string) *Registry {
	r := &Registry{caps: make(map[string]Capability)}
	if owner != "" {
		r.caps[owner] = CapOwner | CapOperator | CapWhitelisted | CapBackstop
	}
	return r
}

// Grant adds capabilities to an account.
func (r *Registry) Grant(account string, caps Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[account] |= caps
}

// Revoke removes capabilities from an account.
func (r *Registry) Revoke(account string, caps Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[account] &^= caps
}

// Has reports whether an account holds all the given capabilities.
func (r *Registry) Has(account string, caps Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[account]&caps == caps
}

// Require returns ErrForbidden unless the account holds all the given
// capabilities.
func (r *Registry) Require(account string, caps Capability) error {
	if !r.Has(account, caps) {
		return ErrForbidden
	}
	return nil
}
