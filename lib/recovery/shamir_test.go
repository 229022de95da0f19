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

package recovery

import (
	"crypto/rand"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret
}

func TestSplitRecoverRoundTrip(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, "v1", 3, 5)
	require.NoError(t, err)
	require.Len(t, shares, 5)
	for _, share := range shares {
		require.True(t, share.Valid())
		require.Equal(t, 3, share.Threshold)
		require.Equal(t, 5, share.Total)
		require.Equal(t, "v1", share.KeyID)
	}

	// any threshold-sized subset recovers
	for _, subset := range [][]Share{
		{shares[0], shares[1], shares[2]},
		{shares[4], shares[2], shares[0]},
		{shares[1], shares[3], shares[4]},
		shares, // more than enough also works
	} {
		got, err := Recover(subset, len(secret))
		require.NoError(t, err)
		require.Equal(t, secret, got)
	}
}

func TestRecoverInsufficientShares(t *testing.T) {
	shares, err := Split(randomSecret(t), "v1", 3, 5)
	require.NoError(t, err)

	_, err = Recover(shares[:2], 32)
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "insufficient shares: need 3, have 2")

	// duplicate indices do not count twice
	_, err = Recover([]Share{shares[0], shares[0], shares[1]}, 32)
	require.True(t, trace.IsBadParameter(err))

	_, err = Recover(nil, 32)
	require.True(t, trace.IsBadParameter(err))
}

func TestRecoverCorruptedShare(t *testing.T) {
	shares, err := Split(randomSecret(t), "v1", 2, 3)
	require.NoError(t, err)

	shares[1].Value[0] ^= 0xff
	_, err = Recover(shares[:2], 32)
	require.True(t, trace.IsCompareFailed(err))
}

func TestBelowThresholdRevealsNothing(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, "v1", 2, 2)
	require.NoError(t, err)
	// a single share's value is not the secret
	require.NotEqual(t, secret, shares[0].Value)
	require.NotEqual(t, secret, shares[1].Value)
}

func TestSecretWithLeadingZeros(t *testing.T) {
	secret := make([]byte, 32)
	secret[31] = 1
	shares, err := Split(secret, "v1", 2, 3)
	require.NoError(t, err)

	got, err := Recover(shares[:2], 32)
	require.NoError(t, err)
	require.Equal(t, secret, got)
}

func TestSplitParameterValidation(t *testing.T) {
	secret := randomSecret(t)
	for _, tc := range []struct {
		threshold, total int
	}{
		{1, 5},
		{3, 2},
		{2, 300},
	} {
		_, err := Split(secret, "v1", tc.threshold, tc.total)
		require.True(t, trace.IsBadParameter(err))
	}
	_, err := Split(nil, "v1", 2, 3)
	require.True(t, trace.IsBadParameter(err))
}

func TestThresholdDisagreement(t *testing.T) {
	a, err := Split(randomSecret(t), "v1", 2, 3)
	require.NoError(t, err)
	b, err := Split(randomSecret(t), "v1", 3, 4)
	require.NoError(t, err)

	_, err = Recover([]Share{a[0], b[0]}, 32)
	require.True(t, trace.IsBadParameter(err))
}
