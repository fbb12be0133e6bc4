// Package model holds the HAP accessory tree as cached by a BLE pairing: a
// single root accessory (aid is always 1 over BLE) made of services made of
// characteristics, plus the subscription set and a config-number-tagged
// state tuple type.
package model

import "sync"

// Permission is one bit of a characteristic's permission set.
type Permission string

const (
	PermPairedRead  Permission = "pr"
	PermPairedWrite Permission = "pw"
	PermTimedWrite  Permission = "tw"
	PermEvents      Permission = "ev"
	PermAdditionalAuth Permission = "aa"
	PermHidden      Permission = "hd"
)

// Format mirrors the HAP characteristic-format byte decoded from the
// signature-read TLV. Left as a string rather than an enum because vendor
// characteristics may omit it entirely (spec.md §4.5) — the zero value means
// "format absent", not "format unknown-but-present".
type Format string

// Characteristic is one GATT characteristic discovered under a service,
// enriched with its HAP instance id and signature.
type Characteristic struct {
	IID         uint16
	Type        string // normalized UUID
	ServiceType string // normalized UUID of the owning service
	Perms       []Permission
	Format      Format // "" if absent from the signature (vendor characteristic)
	MinValue    *float64
	MaxValue    *float64
	MinStep     *float64
	Value       []byte // raw decoded value bytes, nil until read
}

// HasPerm reports whether the characteristic carries the given permission.
func (c *Characteristic) HasPerm(p Permission) bool {
	for _, have := range c.Perms {
		if have == p {
			return true
		}
	}
	return false
}

// Service is one GATT service under the root accessory.
type Service struct {
	IID   uint16
	Type  string // normalized UUID
	Chars []*Characteristic
}

// Accessory is the single BLE root accessory; aid is always 1 and is not
// stored on the struct to make that invariant impossible to violate.
type Accessory struct {
	Services []*Service
}

// CharByIID finds a characteristic anywhere in the tree by its instance id.
// Returns nil if absent — callers treat that as "not in the cached database"
// and skip the iid.
func (a *Accessory) CharByIID(iid uint16) *Characteristic {
	for _, s := range a.Services {
		for _, c := range s.Chars {
			if c.IID == iid {
				return c
			}
		}
	}
	return nil
}

// ServiceByType returns the first service of the given normalized UUID, or
// nil. HAP-BLE accessories never repeat a service type under one root
// accessory in a way this module needs to disambiguate.
func (a *Accessory) ServiceByType(t string) *Service {
	for _, s := range a.Services {
		if s.Type == t {
			return s
		}
	}
	return nil
}

// AccessoriesState pairs an accessory tree with the config number it was
// fetched at. pairing.Controller does not use this type: it keeps its tree
// and config number in separate fields, replaces the tree on every database
// refetch, and writes read-back characteristic values into the current tree
// in place.
type AccessoriesState struct {
	Tree      *Accessory
	ConfigNum uint16
}

// Subscriptions is the subscription set, keyed by iid alone: aid is always 1
// on BLE, so it is not stored.
type Subscriptions struct {
	mu  sync.Mutex
	set map[uint16]struct{}
}

// NewSubscriptions returns an empty subscription set.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{set: make(map[uint16]struct{})}
}

// Add inserts iids and returns the subset that was not already present —
// callers only need to start notifications for the new subset.
func (s *Subscriptions) Add(iids []uint16) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []uint16
	for _, iid := range iids {
		if _, ok := s.set[iid]; !ok {
			s.set[iid] = struct{}{}
			fresh = append(fresh, iid)
		}
	}
	return fresh
}

// Remove deletes iids from the set.
func (s *Subscriptions) Remove(iids []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, iid := range iids {
		delete(s.set, iid)
	}
}

// Clear empties the set, used on reset/disconnect per spec.md §3.
func (s *Subscriptions) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = make(map[uint16]struct{})
}

// List returns a snapshot of the currently subscribed iids.
func (s *Subscriptions) List() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, 0, len(s.set))
	for iid := range s.set {
		out = append(out, iid)
	}
	return out
}

// Has reports whether iid is currently subscribed.
func (s *Subscriptions) Has(iid uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[iid]
	return ok
}
