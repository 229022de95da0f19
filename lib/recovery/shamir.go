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
	"math/big"

	"github.com/gravitational/trace"

	"github.com/gravitational/conduit/lib/utils"
)

// prime is the field modulus for share arithmetic: the Mersenne prime
// 2^521 - 1, large enough that any 32-byte secret embeds without
// reduction.
var prime = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 521), big.NewInt(1))

// Share is one piece of a split secret. Any Threshold shares recover the
// secret; fewer reveal nothing.
type Share struct {
	// Index is the share's x-coordinate, 1-based.
	Index int `json:"index"`
	// Value is the share's y-coordinate as big-endian bytes.
	Value []byte `json:"value"`
	// Threshold is the number of shares needed to recover.
	Threshold int `json:"threshold"`
	// Total is the number of shares minted.
	Total int `json:"total"`
	// KeyID names the key the share belongs to.
	KeyID string `json:"key_id"`
	// Checksum detects a corrupted share before interpolation.
	Checksum string `json:"checksum"`
}

// checksum binds the share's index and value.
func (s *Share) checksum() string {
	return utils.SHA256Bytes(append([]byte{byte(s.Index)}, s.Value...))
}

// Valid reports whether the share's checksum matches its contents.
func (s *Share) Valid() bool {
	return s.Checksum == s.checksum()
}

// Split divides secret into total shares such that any threshold of them
// recover it via Lagrange interpolation, and fewer reveal nothing.
func Split(secret []byte, keyID string, threshold, total int) ([]Share, error) {
	if threshold < 2 {
		return nil, trace.BadParameter("threshold must be at least 2, got %d", threshold)
	}
	if total < threshold {
		return nil, trace.BadParameter("total shares %d below threshold %d", total, threshold)
	}
	if total > 255 {
		return nil, trace.BadParameter("at most 255 shares, got %d", total)
	}
	if len(secret) == 0 {
		return nil, trace.BadParameter("empty secret")
	}
	secretInt := new(big.Int).SetBytes(secret)
	if secretInt.Cmp(prime) >= 0 {
		return nil, trace.BadParameter("secret too large for the share field")
	}

	// random polynomial of degree threshold-1 with the secret as the
	// constant term
	coefficients := make([]*big.Int, threshold)
	coefficients[0] = secretInt
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, prime)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		coefficients[i] = c
	}

	shares := make([]Share, 0, total)
	for x := 1; x <= total; x++ {
		y := evaluate(coefficients, big.NewInt(int64(x)))
		share := Share{
			Index:     x,
			Value:     y.Bytes(),
			Threshold: threshold,
			Total:     total,
			KeyID:     keyID,
		}
		share.Checksum = share.checksum()
		shares = append(shares, share)
	}
	return shares, nil
}

// evaluate computes the polynomial at x via Horner's rule mod prime.
func evaluate(coefficients []*big.Int, x *big.Int) *big.Int {
	y := new(big.Int)
	for i := len(coefficients) - 1; i >= 0; i-- {
		y.Mul(y, x)
		y.Add(y, coefficients[i])
		y.Mod(y, prime)
	}
	return y
}

// Recover reconstructs the secret from shares via Lagrange interpolation
// at x = 0. It needs at least the threshold recorded in the shares, all
// with valid checksums and distinct indices. size is the original secret
// length in bytes, restoring leading zeros lost in big.Int encoding.
func Recover(shares []Share, size int) ([]byte, error) {
	if len(shares) == 0 {
		return nil, trace.BadParameter("no shares supplied")
	}
	threshold := shares[0].Threshold
	seen := make(map[int]bool)
	var usable []Share
	for _, s := range shares {
		if !s.Valid() {
			return nil, trace.CompareFailed("share %d failed its checksum", s.Index)
		}
		if s.Threshold != threshold {
			return nil, trace.BadParameter("shares disagree on threshold")
		}
		if seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		usable = append(usable, s)
	}
	if len(usable) < threshold {
		return nil, trace.BadParameter("insufficient shares: need %d, have %d", threshold, len(usable))
	}
	usable = usable[:threshold]

	secret := new(big.Int)
	for i, si := range usable {
		xi := big.NewInt(int64(si.Index))
		yi := new(big.Int).SetBytes(si.Value)

		// Lagrange basis polynomial at x = 0
		numerator := big.NewInt(1)
		denominator := big.NewInt(1)
		for j, sj := range usable {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.Index))
			numerator.Mul(numerator, new(big.Int).Neg(xj))
			numerator.Mod(numerator, prime)
			denominator.Mul(denominator, new(big.Int).Sub(xi, xj))
			denominator.Mod(denominator, prime)
		}
		term := new(big.Int).ModInverse(denominator, prime)
		term.Mul(term, numerator)
		term.Mul(term, yi)
		term.Mod(term, prime)

		secret.Add(secret, term)
		secret.Mod(secret, prime)
	}

	out := secret.Bytes()
	if len(out) > size {
		return nil, trace.CompareFailed("recovered value exceeds the expected secret size")
	}
	padded := make([]byte, size)
	copy(padded[size-len(out):], out)
	return padded, nil
}
