package gaps_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/alignstore/gaps"
)

var gapped2col = []string{
	"AB---CD--EF",
	"---ABCD--EF",
	"ABCD---EF--",
	"-----ABCDEF",
	"ABCDEF-----",
	"-ABCDEF----",
	"-A-B-C-D-EF",
	"A-B-C-D-EF-",
}

func positionsFor(t *testing.T, data string) *gaps.Positions {
	t.Helper()

	spans, seqLen := gaps.FromGapped([]byte(data), '-')
	p, err := gaps.New(spans, seqLen)
	require.NoError(t, err)

	return p
}

func TestSeqToAlignIndex(t *testing.T) {
	for _, data := range gapped2col {
		data := data
		t.Run(data, func(t *testing.T) {
			ungapped := strings.ReplaceAll(data, "-", "")
			p := positionsFor(t, data)

			for index := 4; index < 6; index++ {
				idx, err := p.FromSeqToAlignIndex(int64(index))
				require.NoError(t, err)
				assert.Equalf(t, string(data[idx]), string(ungapped[index]), "index %d", index)
			}
		})
	}
}

func TestSeqToAlignToSeqRoundTrip(t *testing.T) {
	for _, data := range gapped2col {
		data := data
		t.Run(data, func(t *testing.T) {
			p := positionsFor(t, data)

			for index := int64(0); index <= p.SeqLength(); index++ {
				alignIdx, err := p.FromSeqToAlignIndex(index)
				require.NoError(t, err)

				got, err := p.FromAlignToSeqIndex(alignIdx)
				require.NoError(t, err)
				assert.Equal(t, index, got)
			}
		})
	}
}

func TestAlignToSeqNonGapChar(t *testing.T) {
	cases := []string{
		"AB--CDE-FG",
		"--ABC-DEFG",
		"AB--CDE-FG--",
		"ABCDE--FG---",
		"-----ABCDEFG",
		"-A-B-C-D-E-F-G-",
	}
	ungapped := "ABCDEFG"

	for _, data := range cases {
		data := data
		t.Run(data, func(t *testing.T) {
			p := positionsFor(t, data)

			for seqIndex := 0; seqIndex < len(ungapped); seqIndex++ {
				alignIndex := strings.IndexByte(data, ungapped[seqIndex])
				require.GreaterOrEqual(t, alignIndex, 0)

				idx, err := p.FromAlignToSeqIndex(int64(alignIndex))
				require.NoError(t, err)
				assert.Equal(t, int64(seqIndex), idx)
			}
		})
	}
}

func findNthGapIndex(data string, n int) int {
	num := -1
	for i, c := range data {
		if c == '-' {
			num++
		}
		if num == n {
			return i
		}
	}

	return -1
}

func expectedSeqIndex(data string, alignIndex int) int64 {
	refSeq := strings.ReplaceAll(data, "-", "")
	got := strings.TrimLeft(data[alignIndex:], "-")
	if got == "" {
		return int64(len(refSeq))
	}

	return int64(strings.IndexByte(refSeq, got[0]))
}

func TestAlignToSeqGapChar(t *testing.T) {
	cases := []string{
		"AB-----CDE-F--G",
		"----ABC-DEFG---",
		"AB--CDE-FG-----",
		"ABCDE--FG------",
		"--------ABCDEFG",
		"-A-B-C-D-E-F-G-",
	}

	for _, data := range cases {
		data := data
		t.Run(data, func(t *testing.T) {
			p := positionsFor(t, data)

			for gapNumber := 0; gapNumber < 8; gapNumber++ {
				alignIndex := findNthGapIndex(data, gapNumber)
				if alignIndex < 0 {
					continue
				}
				require.Equal(t, byte('-'), data[alignIndex])

				want := expectedSeqIndex(data, alignIndex)

				got, err := p.FromAlignToSeqIndex(int64(alignIndex))
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestAlignToSeqNegativeIsNotImplemented(t *testing.T) {
	p := positionsFor(t, "AC--GTA-TG")

	_, err := p.FromAlignToSeqIndex(-1)
	assert.ErrorIs(t, err, gaps.ErrNotImplemented)
}

func TestSliceMatchesDirectConstruction(t *testing.T) {
	data := "AB---CD--EF"
	p := positionsFor(t, data)

	for start := int64(0); start <= p.Len(); start++ {
		for stop := start; stop <= p.Len(); stop++ {
			sliced, err := p.Slice(start, stop)
			require.NoError(t, err)

			wantSpans, wantSeqLen := gaps.FromGapped([]byte(data[start:stop]), '-')
			want, err := gaps.New(wantSpans, wantSeqLen)
			require.NoError(t, err)

			assert.Equal(t, want.Spans(), sliced.Spans())
			assert.Equal(t, want.SeqLength(), sliced.SeqLength())
		}
	}
}

func TestSliceDoesNotMutateOriginal(t *testing.T) {
	p := positionsFor(t, "AB---CD--EF")
	before := p.Spans()

	_, err := p.Slice(2, 7)
	require.NoError(t, err)

	assert.Equal(t, before, p.Spans())
}

func TestSliceRejectsNegativeOrReversed(t *testing.T) {
	p := positionsFor(t, "AB---CD--EF")

	_, err := p.Slice(-1, 5)
	assert.ErrorIs(t, err, gaps.ErrNotImplemented)

	_, err = p.Slice(5, 2)
	assert.ErrorIs(t, err, gaps.ErrNotImplemented)

	_, err = p.Slice(0, p.Len()+1)
	assert.ErrorIs(t, err, gaps.ErrNotImplemented)
}

func TestLenIsSeqLengthPlusGaps(t *testing.T) {
	p := positionsFor(t, "AB---CD--EF")
	assert.Equal(t, int64(6), p.SeqLength())
	assert.Equal(t, int64(11), p.Len())
}

func TestNewRejectsDisorderedOrOverlapping(t *testing.T) {
	_, err := gaps.New([]gaps.Span{{Index: 2, Length: 1}, {Index: 2, Length: 1}}, 4)
	assert.ErrorIs(t, err, gaps.ErrInvalidGaps)

	_, err = gaps.New([]gaps.Span{{Index: 3, Length: 1}, {Index: 1, Length: 1}}, 4)
	assert.ErrorIs(t, err, gaps.ErrInvalidGaps)

	_, err = gaps.New([]gaps.Span{{Index: 5, Length: 1}}, 4)
	assert.ErrorIs(t, err, gaps.ErrInvalidGaps)

	_, err = gaps.New([]gaps.Span{{Index: 1, Length: 0}}, 4)
	assert.ErrorIs(t, err, gaps.ErrInvalidGaps)
}

func TestExpandIsInverseOfFromGapped(t *testing.T) {
	for _, data := range gapped2col {
		spans, seqLen := gaps.FromGapped([]byte(data), '-')
		p, err := gaps.New(spans, seqLen)
		require.NoError(t, err)

		ungapped := strings.ReplaceAll(data, "-", "")
		got, err := p.Expand([]byte(ungapped), '-')
		require.NoError(t, err)
		assert.Equal(t, data, string(got))
	}
}
