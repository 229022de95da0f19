/*
 * Conduit
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package policy implements access policies over database operations.
// A policy grants a subject a set of permissions on databases matched by
// glob; a policy set grants access if any member policy allows it, with
// the default being deny.
package policy

import (
	"net"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/conduit/lib/connector"
)

// Permission is a coarse operation permission.
type Permission string

const (
	// PermissionRead covers reads and diagnostic utilities.
	PermissionRead Permission = "read"
	// PermissionWrite covers inserts, updates and transaction control.
	PermissionWrite Permission = "write"
	// PermissionDelete covers row and document deletions.
	PermissionDelete Permission = "delete"
	// PermissionSchema covers DDL and schema introspection.
	PermissionSchema Permission = "schema"
	// PermissionAdmin covers privilege and server administration.
	PermissionAdmin Permission = "admin"
)

// FromOpKind maps an operation kind to the permission it requires.
// Transaction control requires write: a transaction scope exists to
// mutate. Utilities require read.
func FromOpKind(kind connector.OpKind) (Permission, error) {
	switch kind {
	case connector.OpKindRead, connector.OpKindUtility:
		return PermissionRead, nil
	case connector.OpKindWrite, connector.OpKindTransaction:
		return PermissionWrite, nil
	case connector.OpKindDelete:
		return PermissionDelete, nil
	case connector.OpKindSchema:
		return PermissionSchema, nil
	case connector.OpKindAdmin:
		return PermissionAdmin, nil
	}
	return "", trace.BadParameter("unsupported operation kind %q", kind)
}

// AccessLevel ranks policies for operator display. It does not affect
// evaluation.
type AccessLevel string

const (
	AccessReadOnly AccessLevel = "read-only"
	AccessStandard AccessLevel = "standard"
	AccessElevated AccessLevel = "elevated"
)

// Subject is the caller on whose behalf operations run.
type Subject struct {
	// ID is the stable user or service identifier.
	ID string `json:"id"`
	// Roles are the subject's role names.
	Roles []string `json:"roles,omitempty"`
	// IP is the subject's source address, if known.
	IP string `json:"ip,omitempty"`
}

// TimeWindow restricts a policy to hours of day and days of week. The
// zero value allows all times.
type TimeWindow struct {
	// StartHour and EndHour bound the permitted hours [start, end) in the
	// evaluation clock's location. Both zero means no hour bound.
	StartHour int `json:"start_hour,omitempty"`
	EndHour   int `json:"end_hour,omitempty"`
	// Days lists permitted weekdays. Empty means all days.
	Days []time.Weekday `json:"days,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if len(w.Days) > 0 && !slices.Contains(w.Days, t.Weekday()) {
		return false
	}
	if w.StartHour == 0 && w.EndHour == 0 {
		return true
	}
	hour := t.Hour()
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// window wraps midnight
	return hour >= w.StartHour || hour < w.EndHour
}

// Policy grants subjects a permission set on matching databases.
type Policy struct {
	// ID uniquely identifies the policy.
	ID string `json:"id"`
	// Name is a human-readable label.
	Name string `json:"name,omitempty"`
	// DatabaseGlobs match database names; at least one must match.
	DatabaseGlobs []string `json:"database_globs"`
	// Permissions are the permitted operations.
	Permissions []Permission `json:"permissions"`
	// Level ranks the policy for display.
	Level AccessLevel `json:"level,omitempty"`
	// Roles select subjects by role. Empty plus empty UserIDs matches no
	// one.
	Roles []string `json:"roles,omitempty"`
	// UserIDs select subjects by identity.
	UserIDs []string `json:"user_ids,omitempty"`
	// AllowedCIDRs restrict the subject's source address. Empty allows
	// any address.
	AllowedCIDRs []string `json:"allowed_cidrs,omitempty"`
	// Window restricts when the policy applies.
	Window TimeWindow `json:"window,omitempty"`
	// Expires invalidates the policy after this time. Zero means never.
	Expires time.Time `json:"expires,omitempty"`
}

// CheckAndSetDefaults validates the policy and fills in defaults.
func (p *Policy) CheckAndSetDefaults() error {
	if len(p.DatabaseGlobs) == 0 {
		return trace.BadParameter("policy grants access to no databases")
	}
	if len(p.Permissions) == 0 {
		return trace.BadParameter("policy grants no permissions")
	}
	if len(p.Roles) == 0 && len(p.UserIDs) == 0 {
		return trace.BadParameter("policy selects no subjects")
	}
	for _, glob := range p.DatabaseGlobs {
		if _, err := path.Match(glob, ""); err != nil {
			return trace.BadParameter("invalid database glob %q", glob)
		}
	}
	for _, cidr := range p.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return trace.BadParameter("invalid CIDR %q", cidr)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Level == "" {
		p.Level = AccessStandard
	}
	return nil
}

// Allows reports whether this policy permits subject to run an operation
// requiring perm on database at time now.
func (p *Policy) Allows(subject Subject, database string, perm Permission, now time.Time) bool {
	if !p.Expires.IsZero() && now.After(p.Expires) {
		return false
	}
	if !p.matchesSubject(subject) {
		return false
	}
	if !p.matchesDatabase(database) {
		return false
	}
	if !slices.Contains(p.Permissions, perm) {
		return false
	}
	if !p.matchesIP(subject.IP) {
		return false
	}
	return p.Window.Contains(now)
}

func (p *Policy) matchesSubject(subject Subject) bool {
	if slices.Contains(p.UserIDs, subject.ID) {
		return true
	}
	for _, role := range subject.Roles {
		if slices.Contains(p.Roles, role) {
			return true
		}
	}
	return false
}

func (p *Policy) matchesDatabase(database string) bool {
	for _, glob := range p.DatabaseGlobs {
		if ok, _ := path.Match(glob, database); ok {
			return true
		}
	}
	return false
}

func (p *Policy) matchesIP(ip string) bool {
	if len(p.AllowedCIDRs) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, cidr := range p.AllowedCIDRs {
		if _, network, err := net.ParseCIDR(cidr); err == nil && network.Contains(addr) {
			return true
		}
	}
	return false
}

// Set is a concurrent-safe collection of policies evaluated as a union:
// access is granted if any member policy allows it.
type Set struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewSet returns an empty policy set.
func NewSet(clock clockwork.Clock) *Set {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Set{
		clock:    clock,
		policies: make(map[string]*Policy),
	}
}

// Add validates and inserts a policy.
func (s *Set) Add(p Policy) (*Policy, error) {
	if err := p.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[p.ID]; exists {
		return nil, trace.AlreadyExists("policy %q already exists", p.ID)
	}
	s.policies[p.ID] = &p
	return &p, nil
}

// Remove deletes a policy by ID.
func (s *Set) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return trace.NotFound("policy %q not found", id)
	}
	delete(s.policies, id)
	return nil
}

// Get returns a copy of the named policy.
func (s *Set) Get(id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, trace.NotFound("policy %q not found", id)
	}
	out := *p
	return &out, nil
}

// List returns copies of all policies.
func (s *Set) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Policy) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Allows reports whether any policy in the set permits the operation.
// An empty set denies everything.
func (s *Set) Allows(subject Subject, database string, perm Permission) bool {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if p.Allows(subject, database, perm, now) {
			return true
		}
	}
	return false
}

// Allowing returns the IDs of the policies that permit the operation, for
// audit context.
func (s *Set) Allowing(subject Subject, database string, perm Permission) []string {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, p := range s.policies {
		if p.Allows(subject, database, perm, now) {
			ids = append(ids, p.ID)
		}
	}
	slices.Sort(ids)
	return ids
}
