// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesizer

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// accumulatorSize bounds one response. 512 KB comfortably covers the
// longest model outputs.
const accumulatorSize = 512 * 1024

var memguardInitOnce sync.Once

// ErrAccumulatorOverflow means the response exceeded the buffer.
var ErrAccumulatorOverflow = errors.New("response exceeded secure buffer capacity")

// Accumulator collects streamed response text in mlocked memory so the
// full response never sits in swappable heap before write-back.
//
// # Thread Safety
//
// Safe for concurrent use.
type Accumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	overflow  bool
	destroyed bool
}

// NewAccumulator allocates a locked buffer.
func NewAccumulator() *Accumulator {
	memguardInitOnce.Do(memguard.CatchInterrupt)
	return &Accumulator{buffer: memguard.NewBuffer(accumulatorSize)}
}

// Write appends chunk text. Once the buffer overflows, further writes
// are dropped and Finalize reports the overflow.
func (a *Accumulator) Write(chunk string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed || a.overflow {
		return
	}
	if a.offset+len(chunk) > accumulatorSize {
		a.overflow = true
		return
	}
	copy(a.buffer.Bytes()[a.offset:], chunk)
	a.offset += len(chunk)
}

// Finalize returns the accumulated text and destroys the buffer.
func (a *Accumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", errors.New("accumulator already finalized")
	}
	text := string(a.buffer.Bytes()[:a.offset])
	a.buffer.Destroy()
	a.destroyed = true
	if a.overflow {
		return text, ErrAccumulatorOverflow
	}
	return text, nil
}

// Destroy wipes the buffer without reading it.
func (a *Accumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.buffer.Destroy()
		a.destroyed = true
	}
}
