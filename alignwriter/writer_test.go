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

package alignwriter_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/alignstore/aligndb"
	"github.com/zymatik-com/alignstore/alignment"
	"github.com/zymatik-com/alignstore/alignwriter"
	"github.com/zymatik-com/alignstore/annotation"
	"github.com/zymatik-com/alignstore/compress"
	"github.com/zymatik-com/alignstore/gaps"
	"github.com/zymatik-com/alignstore/genome"
)

type fakeGenomeStore struct {
	plus map[string][]byte
}

func (f *fakeGenomeStore) GetSubstring(_ context.Context, seqid string, start, stop int64, strand byte) ([]byte, error) {
	seq, ok := f.plus[seqid]
	if !ok {
		return nil, genome.ErrUnknownSeqid
	}
	if start < 0 || stop > int64(len(seq)) || start > stop {
		return nil, genome.ErrOutOfRange
	}

	sub := append([]byte(nil), seq[start:stop]...)
	if strand == '-' {
		return genome.IUPACComplement{}.ReverseComplement(sub), nil
	}

	return sub, nil
}

func testNamer(species, seqid string, strand byte, start, stop int64) string {
	return species + "." + seqid
}

func newTestDB(t *testing.T, blocks [][3]aligndb.Record) *aligndb.DB {
	t.Helper()

	ctx := context.Background()
	db, err := aligndb.Open(ctx, slog.New(slogt.New(t).Handler()), aligndb.InMemory)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	for _, b := range blocks {
		require.NoError(t, db.AddRecords(ctx, []aligndb.Record{b[0], b[1], b[2]}))
	}

	return db
}

func oneBlock(blockID string) [3]aligndb.Record {
	return [3]aligndb.Record{
		{Source: "s", BlockID: blockID, Species: "human", Seqid: "s1", Start: 1, Stop: 5, Strand: '+'},
		{Source: "s", BlockID: blockID, Species: "mouse", Seqid: "s2", Start: 1, Stop: 3, Strand: '+', GapSpans: []gaps.Span{{Index: 2, Length: 2}}},
		{Source: "s", BlockID: blockID, Species: "dog", Seqid: "s3", Start: 1, Stop: 5, Strand: '+'},
	}
}

func testGenomes() map[string]alignment.Genome {
	return map[string]alignment.Genome{
		"human": {Species: "human", Sequences: &fakeGenomeStore{plus: map[string][]byte{"s1": []byte("GTTGAAGTAGTAGAAGTTCCAAATAATGAA")}}},
		"mouse": {Species: "mouse", Sequences: &fakeGenomeStore{plus: map[string][]byte{"s2": []byte("GTGGTAGAAGTTCCAAATAATGAA")}}},
		"dog":   {Species: "dog", Sequences: &fakeGenomeStore{plus: map[string][]byte{"s3": []byte("GCTGAAGTAGTGGAAGTTGCAAATGAA")}}},
	}
}

func TestWriteAlignmentsWritesOneFilePerBlock(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, [][3]aligndb.Record{oneBlock("0"), oneBlock("1")})
	genomes := testGenomes()
	builder := alignment.NewBuilder(slog.New(slogt.New(t).Handler()), db, genomes)
	logger := slog.New(slogt.New(t).Handler())

	outdir := t.TempDir()
	n, err := alignwriter.WriteAlignments(ctx, logger, builder, db, genomes, outdir, "human", alignwriter.WithNamer(testNamer))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(outdir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := []string{entries[0].Name(), entries[1].Name()}
	assert.Contains(t, names, "0_s1_1-5.fa")
	assert.Contains(t, names, "1_s1_1-5.fa")

	data, err := os.ReadFile(filepath.Join(outdir, "0_s1_1-5.fa"))
	require.NoError(t, err)
	assert.Equal(t, ">dog.s3\nCTGA\n>human.s1\nTTGA\n>mouse.s2\nTG--\n", string(data))
}

func TestWriteAlignmentsHonorsLimit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, [][3]aligndb.Record{oneBlock("0"), oneBlock("1"), oneBlock("2")})
	genomes := testGenomes()
	builder := alignment.NewBuilder(slog.New(slogt.New(t).Handler()), db, genomes)

	outdir := t.TempDir()
	n, err := alignwriter.WriteAlignments(ctx, slog.New(slogt.New(t).Handler()), builder, db, genomes, outdir, "human",
		alignwriter.WithNamer(testNamer), alignwriter.WithLimit(2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(outdir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWriteAlignmentsResolvesStableIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, [][3]aligndb.Record{oneBlock("0")})

	humanAnnotations := annotation.NewMemStore()
	require.NoError(t, humanAnnotations.AddFeature(ctx, annotation.Feature{
		Name: "GENE1", Seqid: "s1", Spans: []annotation.Span{{Begin: 2, End: 4}},
	}))

	genomes := testGenomes()
	g := genomes["human"]
	g.Annotations = humanAnnotations
	genomes["human"] = g

	builder := alignment.NewBuilder(slog.New(slogt.New(t).Handler()), db, genomes)

	outdir := t.TempDir()
	n, err := alignwriter.WriteAlignments(ctx, slog.New(slogt.New(t).Handler()), builder, db, genomes, outdir, "human",
		alignwriter.WithNamer(testNamer), alignwriter.WithStableIDs([]string{"GENE1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := os.ReadDir(outdir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "0_s1_"))
}

func TestWriteAlignmentsUnknownStableIDFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, [][3]aligndb.Record{oneBlock("0")})

	genomes := testGenomes()
	g := genomes["human"]
	g.Annotations = annotation.NewMemStore()
	genomes["human"] = g

	builder := alignment.NewBuilder(slog.New(slogt.New(t).Handler()), db, genomes)

	outdir := t.TempDir()
	_, err := alignwriter.WriteAlignments(ctx, slog.New(slogt.New(t).Handler()), builder, db, genomes, outdir, "human",
		alignwriter.WithStableIDs([]string{"NOPE"}))
	assert.ErrorIs(t, err, alignwriter.ErrUnknownStableID)
}

func TestWriteAlignmentsCompressesByExtension(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, [][3]aligndb.Record{oneBlock("0")})
	genomes := testGenomes()
	builder := alignment.NewBuilder(slog.New(slogt.New(t).Handler()), db, genomes)

	outdir := t.TempDir()
	n, err := alignwriter.WriteAlignments(ctx, slog.New(slogt.New(t).Handler()), builder, db, genomes, outdir, "human",
		alignwriter.WithNamer(testNamer), alignwriter.WithExtension(".fa.gz"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := os.Open(filepath.Join(outdir, "0_s1_1-5.fa.gz"))
	require.NoError(t, err)
	defer f.Close()

	dr, err := compress.Decompress(f)
	require.NoError(t, err)
	defer dr.Close()

	buf := make([]byte, 512)
	n2, err := dr.Read(buf)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	assert.Contains(t, string(buf[:n2]), ">human.s1")
}
