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

package aligndb

import (
	"math"

	"github.com/Workiva/go-datastructures/augmentedtree"
)

// seqidIndex is the in-memory interval-overlap index for one (species,
// seqid) pair, grounded on liftover/chainfile.go's identical use of
// augmentedtree for chain/alignment interval lookups.
type seqidIndex struct {
	tree    augmentedtree.Tree
	records map[uint64]Record
}

type interval struct {
	id         uint64
	start, end int64
}

func (iv *interval) LowAtDimension(uint64) int64  { return iv.start }
func (iv *interval) HighAtDimension(uint64) int64 { return iv.end }
func (iv *interval) OverlapsAtDimension(augmentedtree.Interval, uint64) bool {
	return true
}
func (iv *interval) ID() uint64 { return iv.id }

func newSeqidIndex(records []Record) *seqidIndex {
	tree := augmentedtree.New(1)
	byID := make(map[uint64]Record, len(records))

	for i, rec := range records {
		id := uint64(i) + 1
		tree.Add(&interval{id: id, start: rec.Start, end: rec.Stop})
		byID[id] = rec
	}

	return &seqidIndex{tree: tree, records: byID}
}

// query returns every record whose [Start, Stop) overlaps [start, stop),
// where a nil bound is unbounded.
func (idx *seqidIndex) query(start, stop *int64) []Record {
	lo := int64(math.MinInt64 / 2)
	hi := int64(math.MaxInt64 / 2)
	if start != nil {
		lo = *start
	}
	if stop != nil {
		hi = *stop
	}

	hits := idx.tree.Query(&interval{start: lo, end: hi})

	out := make([]Record, 0, len(hits))
	for _, hit := range hits {
		// The tree's overlap test is closed at both ends; keep only records
		// satisfying the half-open predicate Stop > start AND Start < stop.
		rec := idx.records[hit.ID()]
		if rec.Stop > lo && rec.Start < hi {
			out = append(out, rec)
		}
	}

	return out
}
