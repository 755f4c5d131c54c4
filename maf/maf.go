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

// Package maf reads Multiple Alignment Format files, the de facto
// ingestion format for AlignDb: https://genome.ucsc.edu/FAQ/FAQformat.html#format5
package maf

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zymatik-com/alignstore/aligndb"
	"github.com/zymatik-com/alignstore/gaps"
	"github.com/zymatik-com/alignstore/names"
)

// gapChar is the MAF alignment gap character.
const gapChar = '-'

// ReadRecords parses every "a" block of a MAF stream into aligndb.Records,
// one per participating sequence ("s" line), stamping source on every
// record it produces. Block ids are assigned sequentially starting at "0",
// in file order.
func ReadRecords(r io.Reader, source string) ([]aligndb.Record, error) {
	scanner := bufio.NewScanner(r)
	// MAF alignment text lines can be long for whole-chromosome blocks.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []aligndb.Record

	blockIndex := -1
	inBlock := false

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			inBlock = false
		case strings.HasPrefix(trimmed, "##"):
			// Header/track line, not meaningful to the store.
		case strings.HasPrefix(trimmed, "#"):
			// Comment.
		case strings.HasPrefix(trimmed, "a"):
			blockIndex++
			inBlock = true
		case strings.HasPrefix(trimmed, "s"):
			if !inBlock {
				return nil, fmt.Errorf("maf: sequence line outside of an alignment block: %q", trimmed)
			}

			rec, err := parseSLine(trimmed, source, blockIndex)
			if err != nil {
				return nil, err
			}

			records = append(records, rec)
		default:
			// i/e/q lines and anything else we don't project into AlignDb.
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("maf: scanning: %w", err)
	}

	return records, nil
}

// parseSLine parses a MAF "s" line:
//
//	s src start size strand srcSize text
func parseSLine(line, source string, blockIndex int) (aligndb.Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 {
		return aligndb.Record{}, fmt.Errorf("maf: malformed sequence line: %q", line)
	}

	species, seqid, err := splitSrc(fields[1])
	if err != nil {
		return aligndb.Record{}, err
	}

	start, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return aligndb.Record{}, fmt.Errorf("maf: parsing start in %q: %w", line, err)
	}

	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return aligndb.Record{}, fmt.Errorf("maf: parsing size in %q: %w", line, err)
	}

	strandField := fields[4]
	if strandField != "+" && strandField != "-" {
		return aligndb.Record{}, fmt.Errorf("maf: invalid strand %q in %q", strandField, line)
	}
	strand := strandField[0]

	srcSize, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return aligndb.Record{}, fmt.Errorf("maf: parsing srcSize in %q: %w", line, err)
	}

	text := fields[6]

	spans, seqLength := gaps.FromGapped([]byte(text), gapChar)
	if seqLength != size {
		return aligndb.Record{}, fmt.Errorf("maf: ungapped length %d of %q disagrees with size field %d", seqLength, line, size)
	}

	plusStart, plusStop := start, start+size
	if strand == '-' {
		plusStart, plusStop = srcSize-(start+size), srcSize-start
	}

	return aligndb.Record{
		Source:   source,
		BlockID:  strconv.Itoa(blockIndex),
		Species:  species,
		Seqid:    seqid,
		Start:    plusStart,
		Stop:     plusStop,
		Strand:   strand,
		GapSpans: spans,
	}, nil
}

// splitSrc splits a MAF src field of the conventional "species.seqid" form.
// A src with no dot is treated as a bare seqid belonging to an "unknown"
// species, since MAF does not mandate the dotted form.
func splitSrc(src string) (species, seqid string, err error) {
	if src == "" {
		return "", "", fmt.Errorf("maf: empty src field")
	}

	if i := strings.IndexByte(src, '.'); i >= 0 {
		return src[:i], names.Chromosome(src[i+1:]), nil
	}

	return "unknown", names.Chromosome(src), nil
}
