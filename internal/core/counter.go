/*
rxspeed — link quality measurement tool in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package core

import "sync/atomic"

// TransferCounter accumulates the bytes moved by all workers of one throughput phase.
// Workers add concurrently, the rate sampler reads; every operation is a single atomic
// instruction so no update is ever lost. The value never decreases within a phase.
type TransferCounter struct {
	_     [CacheLineSize]byte
	total atomic.Int64
	_     [CacheLineSize - 8]byte
}

// Add records n transferred bytes and returns the new total. Non-positive n is ignored,
// which keeps the counter monotonically non-decreasing.
func (c *TransferCounter) Add(n int64) int64 {
	if n <= 0 {
		return c.total.Load()
	}
	return c.total.Add(n)
}

// Load returns the bytes accumulated so far.
func (c *TransferCounter) Load() int64 {
	return c.total.Load()
}

// Reset zeroes the counter. Only call it while no worker is running.
func (c *TransferCounter) Reset() {
	c.total.Store(0)
}
