/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package histogram holds the symbol alphabet and the consumer's frequency
// histogram.
package histogram

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
)

// Alphabet bounds. Symbols are the 20 letters 'A' through 'T'.
const (
	First = 'A'
	Last  = 'T'
	Size  = Last - First + 1
)

// Bar markers, one per unit of the corresponding decimal digit.
const (
	HundredsMarker = '*'
	TensMarker     = '+'
	OnesMarker     = '-'
)

// Valid reports whether sym is in the alphabet.
func Valid(sym byte) bool {
	return sym >= First && sym <= Last
}

// RandomSymbol draws a symbol uniformly from the alphabet.
func RandomSymbol(r *rand.Rand) byte {
	return byte(First + r.IntN(Size))
}

// Histogram counts symbol occurrences. The zero value is ready to use. It is
// owned by a single goroutine; Snapshot copies are safe to share.
type Histogram struct {
	counts [Size]uint64
	total  uint64
	ignore uint64
}

// Add counts sym. Bytes outside the alphabet are tallied as ignored and
// reported as false.
func (h *Histogram) Add(sym byte) bool {
	if !Valid(sym) {
		h.ignore++
		return false
	}
	h.counts[sym-First]++
	h.total++
	return true
}

// Count returns the count for sym, or 0 for bytes outside the alphabet.
func (h *Histogram) Count(sym byte) uint64 {
	if !Valid(sym) {
		return 0
	}
	return h.counts[sym-First]
}

// Total returns the number of counted symbols.
func (h *Histogram) Total() uint64 { return h.total }

// Ignored returns the number of out-of-alphabet bytes seen.
func (h *Histogram) Ignored() uint64 { return h.ignore }

// Snapshot is an immutable copy of a histogram.
type Snapshot struct {
	Counts  map[string]uint64 `json:"counts"`
	Total   uint64            `json:"total"`
	Ignored uint64            `json:"ignored"`
}

// Snapshot copies the current counts.
func (h *Histogram) Snapshot() Snapshot {
	s := Snapshot{Counts: make(map[string]uint64, Size), Total: h.total, Ignored: h.ignore}
	for i, c := range h.counts {
		s.Counts[string(rune(First+i))] = c
	}
	return s
}

// Bar renders count as one marker per unit of its hundreds, tens and ones
// digits. Higher digits are not drawn.
func Bar(count uint64) string {
	var b strings.Builder
	b.WriteString(strings.Repeat(string(HundredsMarker), int(count/100%10)))
	b.WriteString(strings.Repeat(string(TensMarker), int(count/10%10)))
	b.WriteString(strings.Repeat(string(OnesMarker), int(count%10)))
	return b.String()
}

// Render writes one line per symbol in alphabetical order, e.g.
// "C-123 *++---".
func (h *Histogram) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, c := range h.counts {
		fmt.Fprintf(bw, "%c-%03d %s\n", First+i, c, Bar(c))
	}
	return bw.Flush()
}
