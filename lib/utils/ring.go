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

package utils

import (
	"sync"

	"github.com/gravitational/trace"
)

// Ring implements an in-memory circular buffer of predefined size. Once
// full, each Add overwrites the oldest element.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	end   int
	size  int
}

// NewRing returns a new ring buffer that holds size elements before it
// rotates.
func NewRing[T any](size int) (*Ring[T], error) {
	if size <= 0 {
		return nil, trace.BadParameter("ring buffer size should be > 0")
	}
	return &Ring[T]{
		buf:   make([]T, size),
		start: -1,
		end:   -1,
	}, nil
}

// Add pushes a new item onto the buffer.
func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.size == 0:
		r.start, r.end, r.size = 0, 0, 1
	case r.size < len(r.buf):
		r.end++
		r.size++
	default:
		r.end = r.start
		r.start = (r.start + 1) % len(r.buf)
	}
	r.buf[r.end] = item
}

// Data returns the most recent n elements, oldest first.
func (r *Ring[T]) Data(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	// skip the oldest items so that the most recent are always provided
	start := r.start
	if n < r.size {
		start = (r.start + (r.size - n)) % len(r.buf)
	}
	out := make([]T, 0, n)
	if start <= r.end {
		return append(out, r.buf[start:r.end+1]...)
	}
	out = append(out, r.buf[start:]...)
	return append(out, r.buf[:r.end+1]...)
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Trim discards all but the most recent n elements.
func (r *Ring[T]) Trim(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n < 0 || n >= r.size {
		return
	}
	if n == 0 {
		r.start, r.end, r.size = -1, -1, 0
		return
	}
	r.start = (r.start + (r.size - n)) % len(r.buf)
	r.size = n
}
