/* SPDX-License-Identifier: AGPL-3.0-or-later
 *
 * Zymatik Alignstore - A genomic multiple-sequence-alignment store for Go.
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published
 * by the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package gaps provides a compact gap-run representation for a single
// aligned sequence, plus O(log n) conversion between ungapped (sequence)
// and gapped (alignment column) coordinates.
package gaps

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidGaps is returned by New when the gap spans are disordered,
	// overlapping, or reference an out-of-range insertion index.
	ErrInvalidGaps = errors.New("gaps: invalid gap spans")
	// ErrOutOfRange is returned when a coordinate falls outside the legal
	// interval for the operation.
	ErrOutOfRange = errors.New("gaps: index out of range")
	// ErrNotImplemented is returned for explicitly unsupported operations,
	// such as a negative alignment index or a reversed slice.
	ErrNotImplemented = errors.New("gaps: not implemented")
)

// Span is a single run of gap characters within one sequence's alignment.
// Index is the position in the ungapped sequence after which Length gap
// characters appear; Index 0 means the gaps precede the first residue.
type Span struct {
	Index  int32
	Length int32
}

// Positions is an immutable gap-run array for one sequence, together with
// the length of that sequence without gaps. Values are created with New or
// Slice; both validate the invariants below and never mutate their input.
//
// Invariants: spans are strictly increasing by Index, every Index lies in
// [0, SeqLength], and every Length is positive.
type Positions struct {
	spans     []Span
	seqLength int64

	// cumAfter[k] is the total gap length contributed by spans[0:k+1].
	cumAfter []int64
}

// New validates spans and seqLength and returns a Positions wrapping a
// defensive copy of spans.
func New(spans []Span, seqLength int64) (*Positions, error) {
	if seqLength < 0 {
		return nil, fmt.Errorf("%w: negative sequence length %d", ErrInvalidGaps, seqLength)
	}

	cumAfter := make([]int64, len(spans))
	var running int64
	prevIndex := int32(-1)
	for i, s := range spans {
		if s.Length <= 0 {
			return nil, fmt.Errorf("%w: span %d has non-positive length %d", ErrInvalidGaps, i, s.Length)
		}
		if s.Index < 0 || int64(s.Index) > seqLength {
			return nil, fmt.Errorf("%w: span %d index %d outside [0,%d]", ErrInvalidGaps, i, s.Index, seqLength)
		}
		if s.Index <= prevIndex {
			return nil, fmt.Errorf("%w: span %d index %d is not strictly increasing", ErrInvalidGaps, i, s.Index)
		}

		prevIndex = s.Index
		running += int64(s.Length)
		cumAfter[i] = running
	}

	cp := make([]Span, len(spans))
	copy(cp, spans)

	return &Positions{spans: cp, seqLength: seqLength, cumAfter: cumAfter}, nil
}

// SeqLength returns the length of the ungapped sequence.
func (p *Positions) SeqLength() int64 {
	return p.seqLength
}

// Spans returns a defensive copy of the underlying gap-run array.
func (p *Positions) Spans() []Span {
	cp := make([]Span, len(p.spans))
	copy(cp, p.spans)
	return cp
}

// Len returns the aligned length: seq_length plus the sum of all gap
// lengths.
func (p *Positions) Len() int64 {
	return p.seqLength + p.totalGapLength()
}

func (p *Positions) totalGapLength() int64 {
	if len(p.cumAfter) == 0 {
		return 0
	}

	return p.cumAfter[len(p.cumAfter)-1]
}

// gapAlignBounds returns the half-open alignment-column range occupied by
// the gap run at spans[k].
func (p *Positions) gapAlignBounds(k int) (start, end int64) {
	var before int64
	if k > 0 {
		before = p.cumAfter[k-1]
	}

	start = int64(p.spans[k].Index) + before
	end = start + int64(p.spans[k].Length)

	return start, end
}

// FromSeqToAlignIndex returns the alignment column of ungapped residue i,
// for i in [0, SeqLength].
func (p *Positions) FromSeqToAlignIndex(i int64) (int64, error) {
	if i < 0 || i > p.seqLength {
		return 0, fmt.Errorf("%w: sequence index %d outside [0,%d]", ErrOutOfRange, i, p.seqLength)
	}

	// Count spans whose insertion index is <= i; their gap lengths all
	// precede or sit at alignment column i.
	n := sort.Search(len(p.spans), func(k int) bool {
		return int64(p.spans[k].Index) > i
	})

	var gapSum int64
	if n > 0 {
		gapSum = p.cumAfter[n-1]
	}

	return i + gapSum, nil
}

// FromAlignToSeqIndex returns the sequence index of the ungapped residue
// at alignment column a. If a falls inside a gap run, it returns the
// sequence index of the next residue after that run (SeqLength if the gap
// run is trailing). a must be in [0, Len()]; a negative a is rejected as
// unsupported, matching the reference implementation's slice-step
// restriction.
func (p *Positions) FromAlignToSeqIndex(a int64) (int64, error) {
	if a < 0 {
		return 0, fmt.Errorf("%w: negative alignment index %d", ErrNotImplemented, a)
	}

	alignedLen := p.Len()
	if a > alignedLen {
		return 0, fmt.Errorf("%w: alignment index %d outside [0,%d]", ErrOutOfRange, a, alignedLen)
	}

	n := len(p.spans)
	idx := sort.Search(n, func(k int) bool {
		_, end := p.gapAlignBounds(k)
		return end > a
	})

	var gapLenBefore int64
	if idx > 0 {
		gapLenBefore = p.cumAfter[idx-1]
	}

	if idx < n {
		start, end := p.gapAlignBounds(idx)
		if a >= start && a < end {
			return int64(p.spans[idx].Index), nil
		}
	}

	return a - gapLenBefore, nil
}

// Slice returns the Positions covering alignment columns [start, stop).
// It never mutates the receiver. Negative start, stop < start, or stop
// beyond Len() are rejected with ErrNotImplemented, matching the
// reference implementation's refusal to support arbitrary slice steps.
func (p *Positions) Slice(start, stop int64) (*Positions, error) {
	alignedLen := p.Len()
	if start < 0 || stop < start || stop > alignedLen {
		return nil, fmt.Errorf("%w: slice [%d:%d) invalid for aligned length %d", ErrNotImplemented, start, stop, alignedLen)
	}

	seqStart, err := p.FromAlignToSeqIndex(start)
	if err != nil {
		return nil, err
	}

	seqStop, err := p.FromAlignToSeqIndex(stop)
	if err != nil {
		return nil, err
	}

	var newSpans []Span
	for k := range p.spans {
		gapStart, gapEnd := p.gapAlignBounds(k)

		lo, hi := gapStart, stop
		if start > lo {
			lo = start
		}
		if gapEnd < hi {
			hi = gapEnd
		}
		if hi <= lo {
			continue
		}

		newIndex := int64(p.spans[k].Index) - seqStart
		if newIndex < 0 {
			newIndex = 0
		}

		newSpans = append(newSpans, Span{Index: int32(newIndex), Length: int32(hi - lo)})
	}

	return New(newSpans, seqStop-seqStart)
}

// Expand re-inserts gap characters into ungapped, a residue sequence of
// length SeqLength, using gapChar for every inserted position, producing
// a gapped sequence of length Len().
func (p *Positions) Expand(ungapped []byte, gapChar byte) ([]byte, error) {
	if int64(len(ungapped)) != p.seqLength {
		return nil, fmt.Errorf("%w: ungapped length %d does not match sequence length %d", ErrInvalidGaps, len(ungapped), p.seqLength)
	}

	out := make([]byte, 0, p.Len())

	var seqPos int32
	for _, s := range p.spans {
		out = append(out, ungapped[seqPos:s.Index]...)
		for i := int32(0); i < s.Length; i++ {
			out = append(out, gapChar)
		}
		seqPos = s.Index
	}
	out = append(out, ungapped[seqPos:]...)

	return out, nil
}

// FromGapped scans a gapped byte sequence and returns the Span array and
// ungapped length describing its gap runs, the inverse of Expand. It is
// used by ingestion paths that read alignment text directly.
func FromGapped(gapped []byte, gapChar byte) ([]Span, int64) {
	var spans []Span

	var seqLength int64
	var runStart int = -1

	for i, b := range gapped {
		if b == gapChar {
			if runStart < 0 {
				runStart = i
			}
			continue
		}

		if runStart >= 0 {
			spans = append(spans, Span{Index: int32(seqLength), Length: int32(i - runStart)})
			runStart = -1
		}
		seqLength++
	}

	if runStart >= 0 {
		spans = append(spans, Span{Index: int32(seqLength), Length: int32(len(gapped) - runStart)})
	}

	return spans, seqLength
}
