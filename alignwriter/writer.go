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

// Package alignwriter materializes reconstructed Alignments to files on
// disk: one FASTA file per alignment block, named from the block and its
// reference coordinates, optionally restricted to the windows spanned by
// named features.
package alignwriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/cheggaaa/pb/v3"

	"github.com/zymatik-com/alignstore/aligndb"
	"github.com/zymatik-com/alignstore/alignment"
	"github.com/zymatik-com/alignstore/annotation"
	"github.com/zymatik-com/alignstore/compress"
	"github.com/zymatik-com/alignstore/fasta"
)

// ErrUnknownStableID is returned when a requested stable id has no
// matching feature in the reference species' annotation store.
var ErrUnknownStableID = errors.New("alignwriter: unknown stable id")

// defaultExtension is the output filename suffix used when the caller
// hasn't overridden it with WithExtension.
const defaultExtension = ".fa"

// Options configures WriteAlignments.
type Options struct {
	Limit        int
	MaskFeatures bool
	StableIDs    []string
	ShowProgress bool
	Namer        alignment.Namer
	Extension    string
}

// Option mutates an Options value.
type Option func(*Options)

// WithLimit caps the number of alignment files written. Zero (the
// default) means unlimited.
func WithLimit(n int) Option {
	return func(o *Options) { o.Limit = n }
}

// WithMaskFeatures requests that projected annotation features be masked
// in the written sequences, per AlignmentBuilder's mask_features.
func WithMaskFeatures(mask bool) Option {
	return func(o *Options) { o.MaskFeatures = mask }
}

// WithStableIDs restricts output to the windows spanned by these feature
// names, resolved against the reference species' annotation store.
func WithStableIDs(ids []string) Option {
	return func(o *Options) { o.StableIDs = ids }
}

// WithProgress enables a progress bar over the blocks being written.
func WithProgress(show bool) Option {
	return func(o *Options) { o.ShowProgress = show }
}

// WithNamer overrides the row-naming function passed through to
// AlignmentBuilder.GetAlignment. The default names a row
// "species.seqid:start-stop(strand)".
func WithNamer(namer alignment.Namer) Option {
	return func(o *Options) { o.Namer = namer }
}

// WithExtension overrides the output filename suffix (default ".fa").
// ".bgz" selects bgzip-container output; ".gz", ".lz4", ".xz" and ".zst"
// select the matching stream compressor; anything else is written
// uncompressed.
func WithExtension(ext string) Option {
	return func(o *Options) { o.Extension = ext }
}

func defaultNamer(species, seqid string, strand byte, start, stop int64) string {
	return fmt.Sprintf("%s.%s:%d-%d(%c)", species, seqid, start, stop, strand)
}

// window is a reference-species (seqid, start, end) range to materialize,
// resolved either from a stable id's feature extent or from a block's own
// reference row.
type window struct {
	seqid      string
	start, end *int64
	// blockID, when set, limits the window to that one block; other
	// blocks overlapping the same reference range are not written.
	blockID string
}

// WriteAlignments materializes every Alignment overlapping the resolved
// windows (stable ids, or every block in db if none are given) to
// separate files under outdir, named after each block and its reference
// coordinates. It returns the number of files written. Re-running over
// the same outdir overwrites files for unchanged blocks.
func WriteAlignments(
	ctx context.Context,
	logger *slog.Logger,
	builder *alignment.Builder,
	db *aligndb.DB,
	genomes map[string]alignment.Genome,
	outdir, refSpecies string,
	opts ...Option,
) (int, error) {
	o := Options{Namer: defaultNamer, Extension: defaultExtension}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(outdir, 0o755); err != nil {
		return 0, fmt.Errorf("alignwriter: creating %s: %w", outdir, err)
	}

	windows, err := resolveWindows(ctx, db, genomes, refSpecies, o.StableIDs)
	if err != nil {
		return 0, err
	}

	var bar *pb.ProgressBar
	if o.ShowProgress {
		bar = pb.StartNew(len(windows))
		defer bar.Finish()
	}

	written := 0
	for _, w := range windows {
		if o.Limit > 0 && written >= o.Limit {
			break
		}

		n, err := writeWindow(ctx, logger, builder, outdir, refSpecies, w, &o, written)
		if err != nil {
			return written, fmt.Errorf("alignwriter: %s: %w", w.seqid, err)
		}
		written += n

		if bar != nil {
			bar.Increment()
		}
	}

	return written, nil
}

func writeWindow(
	ctx context.Context,
	logger *slog.Logger,
	builder *alignment.Builder,
	outdir, refSpecies string,
	w window,
	o *Options,
	alreadyWritten int,
) (int, error) {
	it, err := builder.GetAlignment(ctx, refSpecies, w.seqid, w.start, w.end, o.Namer, o.MaskFeatures)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	written := 0
	for {
		if o.Limit > 0 && alreadyWritten+written >= o.Limit {
			return written, nil
		}

		aln, err := it.Next()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if w.blockID != "" && aln.Rows[0].BlockID != w.blockID {
			continue
		}

		path, err := writeAlignmentFile(aln, outdir, refSpecies, o.Extension)
		if err != nil {
			return written, err
		}

		logger.Debug("wrote alignment", "path", path, "rows", len(aln.Rows))
		written++
	}
}

// writeAlignmentFile serializes aln as FASTA under outdir, naming the file
// from the reference row's block id and coordinates.
func writeAlignmentFile(aln *alignment.Alignment, outdir, refSpecies, ext string) (string, error) {
	var ref *alignment.Row
	for i := range aln.Rows {
		if aln.Rows[i].Species == refSpecies {
			ref = &aln.Rows[i]

			break
		}
	}
	if ref == nil {
		return "", fmt.Errorf("reconstructed alignment has no row for reference species %s", refSpecies)
	}

	name := fmt.Sprintf("%s_%s_%d-%d%s", sanitize(ref.BlockID), sanitize(ref.Seqid), ref.Start, ref.Stop, ext)
	path := filepath.Join(outdir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}

	w, err := openOutput(path, f)
	if err != nil {
		f.Close()

		return "", err
	}

	sequences := make([]fasta.Sequence, len(aln.Rows))
	for i, row := range aln.Rows {
		sequences[i] = fasta.Sequence{Description: row.Name, Values: row.Gapped}
	}

	if err := fasta.Write(w, sequences); err != nil {
		w.Close()

		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}

	return path, nil
}

// sanitize keeps a block or seqid identifier safe to embed in a filename.
func sanitize(s string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(s)
}

// chainCloser closes one or more underlying writers, in order, on Close.
type chainCloser struct {
	io.Writer
	closers []io.Closer
}

func (c *chainCloser) Close() error {
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			return err
		}
	}

	return nil
}

// bgzipLevel is a flate-style compression level (see compress/flate);
// bgzf blocks are independently compressed so random access still works
// at any level.
const bgzipLevel = 6

func openOutput(path string, f *os.File) (io.WriteCloser, error) {
	switch {
	case strings.HasSuffix(path, ".bgz"):
		bw := bgzf.NewWriter(f, bgzipLevel)

		return &chainCloser{Writer: bw, closers: []io.Closer{bw, f}}, nil
	case strings.HasSuffix(path, ".gz"), strings.HasSuffix(path, ".lz4"), strings.HasSuffix(path, ".xz"), strings.HasSuffix(path, ".zst"):
		wc, err := compress.Compress(path, f)
		if err != nil {
			return nil, err
		}

		return &chainCloser{Writer: wc, closers: []io.Closer{wc, f}}, nil
	default:
		return f, nil
	}
}

// resolveWindows computes the set of reference-species windows to
// materialize: one per named stable id if any are given, otherwise one
// per block in db that has a row for refSpecies.
func resolveWindows(ctx context.Context, db *aligndb.DB, genomes map[string]alignment.Genome, refSpecies string, stableIDs []string) ([]window, error) {
	if len(stableIDs) > 0 {
		return resolveStableIDWindows(ctx, genomes, refSpecies, stableIDs)
	}

	return resolveBlockWindows(ctx, db, refSpecies)
}

func resolveStableIDWindows(ctx context.Context, genomes map[string]alignment.Genome, refSpecies string, stableIDs []string) ([]window, error) {
	ref, ok := genomes[refSpecies]
	if !ok || ref.Annotations == nil {
		return nil, fmt.Errorf("%s has no registered annotation store to resolve stable ids", refSpecies)
	}

	windows := make([]window, 0, len(stableIDs))
	for _, id := range stableIDs {
		f, err := ref.Annotations.ByName(ctx, id)
		if errors.Is(err, annotation.ErrEOF) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStableID, id)
		}
		if err != nil {
			return nil, fmt.Errorf("resolving stable id %s: %w", id, err)
		}

		start, end := f.Spans[0].Begin, f.Spans[0].End
		for _, sp := range f.Spans[1:] {
			if sp.Begin < start {
				start = sp.Begin
			}
			if sp.End > end {
				end = sp.End
			}
		}

		windows = append(windows, window{seqid: f.Seqid, start: &start, end: &end})
	}

	return windows, nil
}

func resolveBlockWindows(ctx context.Context, db *aligndb.DB, refSpecies string) ([]window, error) {
	blockIDs, err := db.GetBlockIDs(ctx)
	if err != nil {
		return nil, err
	}

	windows := make([]window, 0, len(blockIDs))
	for _, id := range blockIDs {
		refRec, err := findReferenceRecord(ctx, db, id, refSpecies)
		if err != nil {
			return nil, err
		}
		if refRec == nil {
			continue
		}

		start, end := refRec.Start, refRec.Stop
		windows = append(windows, window{seqid: refRec.Seqid, start: &start, end: &end, blockID: id})
	}

	return windows, nil
}

func findReferenceRecord(ctx context.Context, db *aligndb.DB, blockID, refSpecies string) (*aligndb.Record, error) {
	it, err := db.GetRecordsByBlockID(ctx, blockID)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		if rec.Species == refSpecies {
			return rec, nil
		}
	}
}
