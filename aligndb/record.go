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

// Package aligndb is a persistent, indexed store of AlignRecord rows: one
// row per (alignment block, participating sequence), queryable by
// (species, seqid) equality and genome-coordinate overlap.
package aligndb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zymatik-com/alignstore/gaps"
)

// Record is one row: a single sequence's participation in one alignment
// block.
type Record struct {
	Source   string
	BlockID  string
	Species  string
	Seqid    string
	Start    int64
	Stop     int64
	Strand   byte
	GapSpans []gaps.Span
}

// AlignedLength returns seq_length + sum(gap lengths) for this record,
// where seq_length is Stop-Start.
func (r Record) AlignedLength() (int64, error) {
	p, err := gaps.New(r.GapSpans, r.Stop-r.Start)
	if err != nil {
		return 0, err
	}

	return p.Len(), nil
}

// Positions returns the gaps.Positions for this record's ungapped length.
func (r Record) Positions() (*gaps.Positions, error) {
	return gaps.New(r.GapSpans, r.Stop-r.Start)
}

// ErrInvalidRecord is returned when a Record fails basic validation on
// insert.
var ErrInvalidRecord = errors.New("aligndb: invalid record")

func (r Record) validate() error {
	if r.Source == "" || r.BlockID == "" || r.Species == "" || r.Seqid == "" {
		return fmt.Errorf("%w: source, block_id, species and seqid are required", ErrInvalidRecord)
	}
	if r.Start < 0 || r.Stop <= r.Start {
		return fmt.Errorf("%w: invalid interval [%d,%d)", ErrInvalidRecord, r.Start, r.Stop)
	}
	if r.Strand != '+' && r.Strand != '-' {
		return fmt.Errorf("%w: invalid strand %q", ErrInvalidRecord, r.Strand)
	}
	if _, err := gaps.New(r.GapSpans, r.Stop-r.Start); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	return nil
}

// encodeGapSpans serializes spans per the on-disk blob layout in spec §6:
// a 4-byte little-endian count, then that many little-endian int32 pairs
// (gap_insertion_index, gap_length).
func encodeGapSpans(spans []gaps.Span) []byte {
	buf := make([]byte, 4+8*len(spans))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(spans)))

	for i, s := range spans {
		off := 4 + i*8
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(s.Index))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(s.Length))
	}

	return buf
}

func decodeGapSpans(blob []byte) ([]gaps.Span, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("aligndb: gap_spans blob too short (%d bytes)", len(blob))
	}

	r := bytes.NewReader(blob)

	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("aligndb: reading gap_spans count: %w", err)
	}

	if int(n) != (len(blob)-4)/8 {
		return nil, fmt.Errorf("aligndb: gap_spans blob length mismatch for %d spans", n)
	}

	if n == 0 {
		return nil, nil
	}

	spans := make([]gaps.Span, n)
	for i := range spans {
		var index, length int32
		if err := binary.Read(r, binary.LittleEndian, &index); err != nil {
			return nil, fmt.Errorf("aligndb: reading gap_spans entry %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("aligndb: reading gap_spans entry %d: %w", i, err)
		}

		spans[i] = gaps.Span{Index: index, Length: length}
	}

	return spans, nil
}

// row is the sqlx scan target matching the align table's columns exactly.
type row struct {
	Source   string `db:"source"`
	BlockID  string `db:"block_id"`
	Species  string `db:"species"`
	Seqid    string `db:"seqid"`
	Start    int64  `db:"start"`
	Stop     int64  `db:"stop"`
	Strand   string `db:"strand"`
	GapSpans []byte `db:"gap_spans"`
}

func (r row) toRecord() (Record, error) {
	spans, err := decodeGapSpans(r.GapSpans)
	if err != nil {
		return Record{}, err
	}

	if len(r.Strand) != 1 {
		return Record{}, fmt.Errorf("aligndb: invalid strand column %q", r.Strand)
	}

	return Record{
		Source:   r.Source,
		BlockID:  r.BlockID,
		Species:  r.Species,
		Seqid:    r.Seqid,
		Start:    r.Start,
		Stop:     r.Stop,
		Strand:   r.Strand[0],
		GapSpans: spans,
	}, nil
}

func fromRecord(rec Record) row {
	return row{
		Source:   rec.Source,
		BlockID:  rec.BlockID,
		Species:  rec.Species,
		Seqid:    rec.Seqid,
		Start:    rec.Start,
		Stop:     rec.Stop,
		Strand:   string(rec.Strand),
		GapSpans: encodeGapSpans(rec.GapSpans),
	}
}
