package annotation_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/alignstore/annotation"
)

func drain(t *testing.T, it annotation.Iterator) []annotation.Feature {
	t.Helper()

	var out []annotation.Feature
	for {
		f, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, *f)
	}
	require.NoError(t, it.Close())

	return out
}

func canonicalFixture(t *testing.T) *annotation.MemStore {
	t.Helper()

	ctx := context.Background()
	store := annotation.NewMemStore()

	require.NoError(t, store.AddFeature(ctx, annotation.Feature{
		Biotype: "gene", Name: "not-on-s2", Seqid: "s1",
		Spans: []annotation.Span{{Begin: 4, End: 7}},
	}))
	require.NoError(t, store.AddFeature(ctx, annotation.Feature{
		Biotype: "gene", Name: "includes-s2-gap", Seqid: "s2",
		Spans: []annotation.Span{{Begin: 2, End: 6}},
	}))
	require.NoError(t, store.AddFeature(ctx, annotation.Feature{
		Biotype: "gene", Name: "includes-s3-gap", Seqid: "s3",
		Spans: []annotation.Span{{Begin: 22, End: 27}},
	}))

	return store
}

func TestQueryOverlap(t *testing.T) {
	ctx := context.Background()
	store := canonicalFixture(t)

	it, err := store.Query(ctx, "s1", 0, 30)
	require.NoError(t, err)
	got := drain(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, "not-on-s2", got[0].Name)

	it, err = store.Query(ctx, "s1", 7, 30)
	require.NoError(t, err)
	assert.Empty(t, drain(t, it))
}

func TestQueryBiotypeFilter(t *testing.T) {
	ctx := context.Background()
	store := canonicalFixture(t)

	it, err := store.Query(ctx, "s2", 0, 30, "mrna")
	require.NoError(t, err)
	assert.Empty(t, drain(t, it))

	it, err = store.Query(ctx, "s2", 0, 30, "gene")
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 1)
}

func TestSubsetIsolatesSeqid(t *testing.T) {
	ctx := context.Background()
	store := canonicalFixture(t)

	sub := store.Subset("s3")

	it, err := sub.Query(ctx, "s3", 0, 30)
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 1)

	it, err = sub.Query(ctx, "s1", 0, 30)
	require.NoError(t, err)
	assert.Empty(t, drain(t, it))
}

func TestByNameFindsFeatureAcrossSeqids(t *testing.T) {
	ctx := context.Background()
	store := canonicalFixture(t)

	f, err := store.ByName(ctx, "includes-s3-gap")
	require.NoError(t, err)
	assert.Equal(t, "s3", f.Seqid)

	_, err = store.ByName(ctx, "does-not-exist")
	assert.ErrorIs(t, err, annotation.ErrEOF)
}

func TestReadGFF3GroupsByID(t *testing.T) {
	ctx := context.Background()
	store := annotation.NewMemStore()

	gff3 := strings.Join([]string{
		"##gff-version 3",
		"s1\tensembl\texon\t5\t7\t.\t+\t.\tID=exon1;Parent=transcript1",
		"s1\tensembl\texon\t15\t20\t.\t+\t.\tID=exon1;Parent=transcript1",
		"s2\tensembl\tgene\t3\t6\t.\t+\t.\tName=includes-s2-gap",
	}, "\n") + "\n"

	require.NoError(t, annotation.ReadGFF3(ctx, strings.NewReader(gff3), store))

	it, err := store.Query(ctx, "s1", 0, 30)
	require.NoError(t, err)
	got := drain(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, []annotation.Span{{Begin: 4, End: 7}, {Begin: 14, End: 20}}, got[0].Spans)

	it, err = store.Query(ctx, "s2", 0, 30)
	require.NoError(t, err)
	got = drain(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, "includes-s2-gap", got[0].Name)
}
