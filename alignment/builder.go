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

// Package alignment reconstructs multi-species gapped alignments from
// AlignDb blocks: it fetches the ungapped substrings backing each
// participating record, re-inserts gaps, trims to a requested reference
// window, and projects feature annotations through the same coordinate
// transform.
package alignment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/zymatik-com/alignstore/aligndb"
	"github.com/zymatik-com/alignstore/annotation"
	"github.com/zymatik-com/alignstore/gaps"
	"github.com/zymatik-com/alignstore/genome"
)

// ErrUnknownSpecies is returned by GetAlignment when the requested
// reference species has no registered Genome.
var ErrUnknownSpecies = errors.New("alignment: unknown species")

// defaultMaskChar is the DNA mask residue used when mask_features is set
// and the caller hasn't overridden it with WithMaskChar.
const defaultMaskChar = 'N'

// Row is one sequence's participation in a reconstructed Alignment.
type Row struct {
	Name    string
	BlockID string
	Species string
	Seqid   string
	Start   int64
	Stop    int64
	Strand  byte
	Gapped  []byte
}

// Alignment is a reconstructed alignment block: an ordered set of Rows,
// sorted by species then seqid, plus an annotation database keyed by each
// row's Name with spans in that row's own alignment-column coordinates.
type Alignment struct {
	Rows        []Row
	Annotations annotation.MutableStore
}

// Namer assigns a unique label to a row given its genomic placement.
type Namer func(species, seqid string, strand byte, start, stop int64) string

// Genome bundles the per-species stores an AlignmentBuilder reads from.
// Annotations is optional; a nil value means no feature projection is
// performed for that species.
type Genome struct {
	Species     string
	Sequences   genome.Store
	Annotations annotation.Store
}

// Iterator lazily yields reconstructed Alignments. Dropping the iterator
// (simply not calling Next again) halts further I/O; no background work is
// retained.
type Iterator interface {
	Next() (*Alignment, error)
	Close() error
}

// Builder assembles Alignments from an AlignDb and a set of per-species
// Genomes.
type Builder struct {
	logger   *slog.Logger
	db       *aligndb.DB
	genomes  map[string]Genome
	maskChar byte
}

// Option configures a Builder.
type Option func(*Builder)

// WithMaskChar overrides the residue used to mask projected features when
// mask_features is requested. The default is 'N'.
func WithMaskChar(c byte) Option {
	return func(b *Builder) { b.maskChar = c }
}

// NewBuilder returns a Builder reading blocks from db and sequences/features
// from genomes, keyed by species name.
func NewBuilder(logger *slog.Logger, db *aligndb.DB, genomes map[string]Genome, opts ...Option) *Builder {
	b := &Builder{logger: logger, db: db, genomes: genomes, maskChar: defaultMaskChar}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// GetAlignment locates every block overlapping [refStart, refEnd) on
// refSpecies/seqid (a nil bound is unbounded) and returns a lazy Iterator
// of reconstructed Alignments, one per block, in block_id order.
func (b *Builder) GetAlignment(
	ctx context.Context,
	refSpecies, seqid string,
	refStart, refEnd *int64,
	namer Namer,
	maskFeatures bool,
) (Iterator, error) {
	if _, ok := b.genomes[refSpecies]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpecies, refSpecies)
	}

	it, err := b.db.GetRecordsMatching(ctx, aligndb.Query{
		Species: &refSpecies,
		Seqid:   &seqid,
		Start:   refStart,
		Stop:    refEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("alignment: locating blocks: %w", err)
	}
	defer it.Close()

	var refs []aligndb.Record
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("alignment: locating blocks: %w", err)
		}

		refs = append(refs, *rec)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].BlockID < refs[j].BlockID })

	return &blockIterator{
		ctx: ctx, b: b, refs: refs,
		refStart: refStart, refEnd: refEnd,
		namer: namer, maskFeatures: maskFeatures,
	}, nil
}

// blockIterator yields Alignments one block at a time, fetching genome
// substrings only when Next is called.
type blockIterator struct {
	ctx          context.Context
	b            *Builder
	refs         []aligndb.Record
	pos          int
	refStart     *int64
	refEnd       *int64
	namer        Namer
	maskFeatures bool
}

func (it *blockIterator) Next() (*Alignment, error) {
	for it.pos < len(it.refs) {
		ref := it.refs[it.pos]
		it.pos++

		aln, ok, err := it.b.buildBlock(it.ctx, ref, it.refStart, it.refEnd, it.namer, it.maskFeatures)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		return aln, nil
	}

	return nil, io.EOF
}

func (it *blockIterator) Close() error {
	return nil
}

// rowPlan is the in-memory-only work computed for one participating record
// before its genome substring is fetched.
type rowPlan struct {
	rec    aligndb.Record
	pos    *gaps.Positions
	sliced *gaps.Positions
	gStart int64
	gStop  int64
	genome Genome
}

// buildBlock reconstructs the Alignment for one block, returning ok=false
// when the block is skipped as a data-integrity fault (logged, not fatal).
func (b *Builder) buildBlock(
	ctx context.Context,
	ref aligndb.Record,
	refStart, refEnd *int64,
	namer Namer,
	maskFeatures bool,
) (*Alignment, bool, error) {
	blockIt, err := b.db.GetRecordsByBlockID(ctx, ref.BlockID)
	if err != nil {
		return nil, false, fmt.Errorf("alignment: fetching block %s: %w", ref.BlockID, err)
	}
	defer blockIt.Close()

	var recs []aligndb.Record
	for {
		rec, err := blockIt.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("alignment: fetching block %s: %w", ref.BlockID, err)
		}

		recs = append(recs, *rec)
	}

	var refRec *aligndb.Record
	for i := range recs {
		if recs[i].Species == ref.Species && recs[i].Seqid == ref.Seqid {
			refRec = &recs[i]

			break
		}
	}
	if refRec == nil {
		b.logger.Warn("block is missing its reference record",
			"block_id", ref.BlockID, "species", ref.Species, "seqid", ref.Seqid)

		return nil, false, nil
	}

	qRefStart := refRec.Start
	if refStart != nil && *refStart > qRefStart {
		qRefStart = *refStart
	}
	qRefEnd := refRec.Stop
	if refEnd != nil && *refEnd < qRefEnd {
		qRefEnd = *refEnd
	}
	if qRefEnd <= qRefStart {
		return nil, false, nil
	}

	refSeqLength := refRec.Stop - refRec.Start
	seqOffsetBegin := qRefStart - refRec.Start
	seqOffsetEnd := qRefEnd - refRec.Start
	if refRec.Strand == '-' {
		seqOffsetBegin, seqOffsetEnd = refSeqLength-seqOffsetEnd, refSeqLength-seqOffsetBegin
	}

	refPositions, err := refRec.Positions()
	if err != nil {
		return nil, false, fmt.Errorf("alignment: block %s: %w", ref.BlockID, err)
	}

	alnBegin, err := refPositions.FromSeqToAlignIndex(seqOffsetBegin)
	if err != nil {
		return nil, false, fmt.Errorf("alignment: block %s: %w", ref.BlockID, err)
	}
	alnEnd, err := refPositions.FromSeqToAlignIndex(seqOffsetEnd)
	if err != nil {
		return nil, false, fmt.Errorf("alignment: block %s: %w", ref.BlockID, err)
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Species != recs[j].Species {
			return recs[i].Species < recs[j].Species
		}

		return recs[i].Seqid < recs[j].Seqid
	})

	plans := make([]rowPlan, 0, len(recs))
	for _, rec := range recs {
		g, ok := b.genomes[rec.Species]
		if !ok {
			b.logger.Warn("no genome registered for participating species, skipping row",
				"block_id", rec.BlockID, "species", rec.Species, "seqid", rec.Seqid)

			continue
		}

		pos, err := rec.Positions()
		if err != nil {
			return nil, false, fmt.Errorf("alignment: block %s: %w", ref.BlockID, err)
		}

		sliced, err := pos.Slice(alnBegin, alnEnd)
		if err != nil {
			return nil, false, fmt.Errorf("alignment: block %s: %w", ref.BlockID, err)
		}

		seqBegin, err := pos.FromAlignToSeqIndex(alnBegin)
		if err != nil {
			return nil, false, fmt.Errorf("alignment: block %s: %w", ref.BlockID, err)
		}
		seqEnd, err := pos.FromAlignToSeqIndex(alnEnd)
		if err != nil {
			return nil, false, fmt.Errorf("alignment: block %s: %w", ref.BlockID, err)
		}
		if seqEnd-seqBegin != sliced.SeqLength() {
			return nil, false, fmt.Errorf("alignment: block %s: inconsistent slice for %s/%s", ref.BlockID, rec.Species, rec.Seqid)
		}

		gStart, gStop := seqToGenome(rec, seqBegin, seqEnd)

		plans = append(plans, rowPlan{rec: rec, pos: pos, sliced: sliced, gStart: gStart, gStop: gStop, genome: g})
	}

	if len(plans) == 0 {
		b.logger.Warn("block has no participating species with a registered genome, skipping",
			"block_id", ref.BlockID)

		return nil, false, nil
	}

	rows := make([]Row, len(plans))
	features := make([][]annotation.Feature, len(plans))

	group, gctx := errgroup.WithContext(ctx)
	for i, p := range plans {
		i, p := i, p

		group.Go(func() error {
			raw, err := p.genome.Sequences.GetSubstring(gctx, p.rec.Seqid, p.gStart, p.gStop, p.rec.Strand)
			if err != nil {
				return fmt.Errorf("alignment: fetching %s/%s [%d,%d): %w", p.rec.Species, p.rec.Seqid, p.gStart, p.gStop, err)
			}

			gapped, err := p.sliced.Expand(raw, '-')
			if err != nil {
				return fmt.Errorf("alignment: expanding %s/%s: %w", p.rec.Species, p.rec.Seqid, err)
			}

			rows[i] = Row{
				Name:    namer(p.rec.Species, p.rec.Seqid, p.rec.Strand, p.gStart, p.gStop),
				BlockID: p.rec.BlockID,
				Species: p.rec.Species, Seqid: p.rec.Seqid,
				Start: p.gStart, Stop: p.gStop, Strand: p.rec.Strand,
				Gapped: gapped,
			}

			if p.genome.Annotations != nil {
				fs, err := projectFeatures(gctx, p.genome.Annotations, p.rec, p.pos, alnBegin, p.gStart, p.gStop)
				if err != nil {
					return fmt.Errorf("alignment: projecting features for %s/%s: %w", p.rec.Species, p.rec.Seqid, err)
				}

				features[i] = fs
			}

			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, false, err
	}

	out := annotation.NewMemStore()
	for i := range plans {
		for _, f := range features[i] {
			f.Seqid = rows[i].Name
			if err := out.AddFeature(ctx, f); err != nil {
				return nil, false, fmt.Errorf("alignment: block %s: %w", ref.BlockID, err)
			}
		}

		if maskFeatures {
			maskRow(&rows[i], features[i], b.maskChar)
		}
	}

	return &Alignment{Rows: rows, Annotations: out}, true, nil
}

// seqToGenome maps an ungapped sub-range of rec's sequence to plus-strand
// genome coordinates.
func seqToGenome(rec aligndb.Record, seqBegin, seqEnd int64) (int64, int64) {
	if rec.Strand == '+' {
		return rec.Start + seqBegin, rec.Start + seqEnd
	}

	return rec.Stop - seqEnd, rec.Stop - seqBegin
}

// genomeToSeq is the inverse of seqToGenome.
func genomeToSeq(rec aligndb.Record, gBegin, gEnd int64) (int64, int64) {
	if rec.Strand == '+' {
		return gBegin - rec.Start, gEnd - rec.Start
	}

	return rec.Stop - gEnd, rec.Stop - gBegin
}

// projectFeatures queries store for features overlapping [gStart, gStop) on
// rec.Seqid and translates their spans into alignment-local coordinates
// relative to alnBegin.
func projectFeatures(
	ctx context.Context,
	store annotation.Store,
	rec aligndb.Record,
	pos *gaps.Positions,
	alnBegin, gStart, gStop int64,
) ([]annotation.Feature, error) {
	it, err := store.Query(ctx, rec.Seqid, gStart, gStop)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []annotation.Feature
	for {
		f, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		var spans []annotation.Span
		for _, sp := range f.Spans {
			clipBegin, clipEnd := sp.Begin, sp.End
			if gStart > clipBegin {
				clipBegin = gStart
			}
			if gStop < clipEnd {
				clipEnd = gStop
			}
			if clipEnd <= clipBegin {
				continue
			}

			seqBegin, seqEnd := genomeToSeq(rec, clipBegin, clipEnd)

			alignBegin, err := pos.FromSeqToAlignIndex(seqBegin)
			if err != nil {
				return nil, err
			}
			alignEnd, err := pos.FromSeqToAlignIndex(seqEnd)
			if err != nil {
				return nil, err
			}

			spans = append(spans, annotation.Span{Begin: alignBegin - alnBegin, End: alignEnd - alnBegin})
		}
		if len(spans) == 0 {
			continue
		}

		out = append(out, annotation.Feature{Biotype: f.Biotype, Name: f.Name, Spans: spans})
	}

	return out, nil
}

// maskRow replaces non-gap residues covered by features's spans with
// maskChar; gaps within a masked region remain gaps.
func maskRow(row *Row, features []annotation.Feature, maskChar byte) {
	for _, f := range features {
		for _, sp := range f.Spans {
			begin, end := sp.Begin, sp.End
			if begin < 0 {
				begin = 0
			}
			if end > int64(len(row.Gapped)) {
				end = int64(len(row.Gapped))
			}

			for i := begin; i < end; i++ {
				if row.Gapped[i] != '-' {
					row.Gapped[i] = maskChar
				}
			}
		}
	}
}
