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

package policy

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/conduit/lib/connector"
)

// noon is a Wednesday.
var noon = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

func newTestSet(t *testing.T, clock clockwork.Clock, policies ...Policy) *Set {
	t.Helper()
	s := NewSet(clock)
	for _, p := range policies {
		_, err := s.Add(p)
		require.NoError(t, err)
	}
	return s
}

func TestFromOpKind(t *testing.T) {
	for kind, want := range map[connector.OpKind]Permission{
		connector.OpKindRead:        PermissionRead,
		connector.OpKindUtility:     PermissionRead,
		connector.OpKindWrite:       PermissionWrite,
		connector.OpKindTransaction: PermissionWrite,
		connector.OpKindDelete:      PermissionDelete,
		connector.OpKindSchema:      PermissionSchema,
		connector.OpKindAdmin:       PermissionAdmin,
	} {
		perm, err := FromOpKind(kind)
		require.NoError(t, err)
		require.Equal(t, want, perm)
	}
	_, err := FromOpKind(connector.OpKind("bogus"))
	require.True(t, trace.IsBadParameter(err))
}

func TestCheckAndSetDefaults(t *testing.T) {
	p := Policy{
		DatabaseGlobs: []string{"prod-*"},
		Permissions:   []Permission{PermissionRead},
		Roles:         []string{"analyst"},
	}
	require.NoError(t, p.CheckAndSetDefaults())
	require.NotEmpty(t, p.ID)
	require.Equal(t, AccessStandard, p.Level)

	for _, bad := range []Policy{
		{Permissions: []Permission{PermissionRead}, Roles: []string{"r"}},
		{DatabaseGlobs: []string{"*"}, Roles: []string{"r"}},
		{DatabaseGlobs: []string{"*"}, Permissions: []Permission{PermissionRead}},
		{DatabaseGlobs: []string{"[bad"}, Permissions: []Permission{PermissionRead}, Roles: []string{"r"}},
		{DatabaseGlobs: []string{"*"}, Permissions: []Permission{PermissionRead}, Roles: []string{"r"}, AllowedCIDRs: []string{"not-a-cidr"}},
	} {
		require.True(t, trace.IsBadParameter(bad.CheckAndSetDefaults()))
	}
}

func TestSetUnionAndDefaultDeny(t *testing.T) {
	clock := clockwork.NewFakeClockAt(noon)
	alice := Subject{ID: "alice", Roles: []string{"analyst"}}

	// empty set denies everything
	empty := NewSet(clock)
	require.False(t, empty.Allows(alice, "prod-users", PermissionRead))

	s := newTestSet(t, clock,
		Policy{
			ID:            "readers",
			DatabaseGlobs: []string{"prod-*"},
			Permissions:   []Permission{PermissionRead},
			Roles:         []string{"analyst"},
		},
		Policy{
			ID:            "writers",
			DatabaseGlobs: []string{"prod-users"},
			Permissions:   []Permission{PermissionWrite},
			UserIDs:       []string{"alice"},
		},
	)

	require.True(t, s.Allows(alice, "prod-users", PermissionRead))
	require.True(t, s.Allows(alice, "prod-users", PermissionWrite))
	require.False(t, s.Allows(alice, "prod-users", PermissionDelete))
	require.True(t, s.Allows(alice, "prod-orders", PermissionRead))
	require.False(t, s.Allows(alice, "prod-orders", PermissionWrite))
	require.False(t, s.Allows(alice, "staging-users", PermissionRead))

	bob := Subject{ID: "bob", Roles: []string{"intern"}}
	require.False(t, s.Allows(bob, "prod-users", PermissionRead))

	require.Equal(t, []string{"readers"}, s.Allowing(alice, "prod-users", PermissionRead))
	require.Equal(t, []string{"writers"}, s.Allowing(alice, "prod-users", PermissionWrite))
	require.Empty(t, s.Allowing(alice, "prod-users", PermissionDelete))
}

func TestCIDRRestriction(t *testing.T) {
	clock := clockwork.NewFakeClockAt(noon)
	s := newTestSet(t, clock, Policy{
		DatabaseGlobs: []string{"*"},
		Permissions:   []Permission{PermissionRead},
		UserIDs:       []string{"alice"},
		AllowedCIDRs:  []string{"10.0.0.0/8"},
	})

	require.True(t, s.Allows(Subject{ID: "alice", IP: "10.1.2.3"}, "db", PermissionRead))
	require.False(t, s.Allows(Subject{ID: "alice", IP: "192.168.1.1"}, "db", PermissionRead))
	// unknown source address fails a CIDR-restricted policy
	require.False(t, s.Allows(Subject{ID: "alice"}, "db", PermissionRead))
}

func TestTimeWindow(t *testing.T) {
	window := TimeWindow{StartHour: 9, EndHour: 17}
	require.True(t, window.Contains(noon))
	require.False(t, window.Contains(noon.Add(8*time.Hour)))
	require.True(t, window.Contains(time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)))
	require.False(t, window.Contains(time.Date(2025, 3, 12, 17, 0, 0, 0, time.UTC)))

	// window wrapping midnight
	night := TimeWindow{StartHour: 22, EndHour: 6}
	require.True(t, night.Contains(time.Date(2025, 3, 12, 23, 0, 0, 0, time.UTC)))
	require.True(t, night.Contains(time.Date(2025, 3, 12, 3, 0, 0, 0, time.UTC)))
	require.False(t, night.Contains(noon))

	// weekday restriction; noon is a Wednesday
	weekdays := TimeWindow{Days: []time.Weekday{time.Saturday, time.Sunday}}
	require.False(t, weekdays.Contains(noon))
	require.True(t, weekdays.Contains(noon.AddDate(0, 0, 3)))

	// zero window allows all times
	require.True(t, TimeWindow{}.Contains(noon))
}

func TestExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(noon)
	s := newTestSet(t, clock, Policy{
		DatabaseGlobs: []string{"*"},
		Permissions:   []Permission{PermissionRead},
		UserIDs:       []string{"alice"},
		Expires:       noon.Add(time.Hour),
	})
	alice := Subject{ID: "alice"}

	require.True(t, s.Allows(alice, "db", PermissionRead))
	clock.Advance(2 * time.Hour)
	require.False(t, s.Allows(alice, "db", PermissionRead))
}

func TestSetCRUD(t *testing.T) {
	s := NewSet(clockwork.NewFakeClockAt(noon))
	p, err := s.Add(Policy{
		ID:            "p1",
		DatabaseGlobs: []string{"*"},
		Permissions:   []Permission{PermissionRead},
		UserIDs:       []string{"alice"},
	})
	require.NoError(t, err)

	_, err = s.Add(*p)
	require.True(t, trace.IsAlreadyExists(err))

	got, err := s.Get("p1")
	require.NoError(t, err)
	require.Equal(t, "p1", got.ID)

	require.Len(t, s.List(), 1)
	require.NoError(t, s.Remove("p1"))
	require.True(t, trace.IsNotFound(s.Remove("p1")))
	_, err = s.Get("p1")
	require.True(t, trace.IsNotFound(err))
}
