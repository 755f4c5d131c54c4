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

package genome

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// indexEntry locates one seqid's compressed blob within the data file.
type indexEntry struct {
	Offset             int64
	CompressedLength   int64
	UncompressedLength int64
}

// DiskStore is a Store backed by a data file of per-seqid zlib-deflated
// uppercase ASCII nucleotide blobs (spec: "one entry per seqid; value =
// zlib-deflated raw nucleotide bytes"), located by a small in-memory index
// loaded once at Open. Decompression happens per call to GetSubstring; no
// decompressed sequence is cached across calls.
type DiskStore struct {
	logger  *slog.Logger
	species string

	mu    sync.Mutex
	data  *os.File
	index map[string]indexEntry

	rc ReverseComplementer
}

// Open opens the compressed sequence store rooted at dataPath, whose
// companion index lives at dataPath+".idx". Constructor signature mirrors
// the teacher's (source, species) convention.
func Open(ctx context.Context, logger *slog.Logger, dataPath, species string) (*DiskStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("genome: opening data file: %w", err)
	}

	idxFile, err := os.Open(dataPath + ".idx")
	if err != nil {
		data.Close()

		return nil, fmt.Errorf("genome: opening index file: %w", err)
	}
	defer idxFile.Close()

	index, err := readIndex(idxFile)
	if err != nil {
		data.Close()

		return nil, fmt.Errorf("genome: reading index: %w", err)
	}

	return &DiskStore{
		logger:  logger,
		species: species,
		data:    data,
		index:   index,
	}, nil
}

// Close releases the underlying data file handle.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.data.Close()
}

// GetSubstring implements Store.
func (s *DiskStore) GetSubstring(ctx context.Context, seqid string, start, stop int64, strand byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, ok := s.index[seqid]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSeqid, s.species, seqid)
	}

	if start < 0 || stop < start || stop > entry.UncompressedLength {
		return nil, fmt.Errorf("%w: [%d,%d) outside [0,%d] for %s/%s", ErrOutOfRange, start, stop, entry.UncompressedLength, s.species, seqid)
	}

	plusStrand, err := s.decompress(entry)
	if err != nil {
		return nil, fmt.Errorf("genome: decompressing %s/%s: %w", s.species, seqid, err)
	}

	return withStrand(s.rc, plusStrand[start:stop], strand)
}

func (s *DiskStore) decompress(entry indexEntry) ([]byte, error) {
	buf := make([]byte, entry.CompressedLength)

	s.mu.Lock()
	_, err := s.data.ReadAt(buf, entry.Offset)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	zr, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out := make([]byte, 0, entry.UncompressedLength)
	w := bytes.NewBuffer(out)
	if _, err := io.Copy(w, zr); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// Writer builds a DiskStore's data file and index, one sequence at a time.
type Writer struct {
	w       io.Writer
	offset  int64
	entries map[string]indexEntry
	order   []string
}

// NewWriter returns a Writer that appends compressed sequence blobs to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, entries: make(map[string]indexEntry)}
}

// AddSequence zlib-compresses seq (expected to be uppercase plus-strand
// ASCII) and appends it to the data stream under seqid.
func (w *Writer) AddSequence(seqid string, seq []byte) error {
	if _, exists := w.entries[seqid]; exists {
		return fmt.Errorf("genome: duplicate seqid %q", seqid)
	}

	var buf bytes.Buffer

	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(seq); err != nil {
		return fmt.Errorf("genome: compressing %q: %w", seqid, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("genome: compressing %q: %w", seqid, err)
	}

	n, err := w.w.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("genome: writing %q: %w", seqid, err)
	}

	w.entries[seqid] = indexEntry{
		Offset:             w.offset,
		CompressedLength:   int64(n),
		UncompressedLength: int64(len(seq)),
	}
	w.order = append(w.order, seqid)
	w.offset += int64(n)

	return nil
}

// WriteIndex serializes the accumulated index to w, in insertion order.
// Layout: 4-byte little-endian entry count, then per entry: 2-byte
// little-endian seqid length, the seqid bytes, and three 8-byte
// little-endian integers (offset, compressed length, uncompressed length).
func (w *Writer) WriteIndex(out io.Writer) error {
	if err := binary.Write(out, binary.LittleEndian, uint32(len(w.order))); err != nil {
		return err
	}

	for _, seqid := range w.order {
		entry := w.entries[seqid]

		if err := binary.Write(out, binary.LittleEndian, uint16(len(seqid))); err != nil {
			return err
		}
		if _, err := io.WriteString(out, seqid); err != nil {
			return err
		}
		for _, v := range []int64{entry.Offset, entry.CompressedLength, entry.UncompressedLength} {
			if err := binary.Write(out, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}

	return nil
}

func readIndex(r io.Reader) (map[string]indexEntry, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	index := make(map[string]indexEntry, n)

	for i := uint32(0); i < n; i++ {
		var seqidLen uint16
		if err := binary.Read(r, binary.LittleEndian, &seqidLen); err != nil {
			return nil, err
		}

		seqidBytes := make([]byte, seqidLen)
		if _, err := io.ReadFull(r, seqidBytes); err != nil {
			return nil, err
		}

		var entry indexEntry
		for _, dst := range []*int64{&entry.Offset, &entry.CompressedLength, &entry.UncompressedLength} {
			if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
				return nil, err
			}
		}

		index[string(seqidBytes)] = entry
	}

	return index, nil
}
