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

package annotation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadGFF3 reads a GFF3 feature file, grouping rows that share an "ID"
// attribute into a single multi-span Feature (e.g. the exons of one
// transcript), and loads the result into store. Rows without an ID are
// named from their "Name" attribute, falling back to
// "<type>:<seqid>:<start>-<end>", and ID-less rows sharing both that name
// and a seqid are grouped into one multi-span Feature the same way.
func ReadGFF3(ctx context.Context, r io.Reader, store MutableStore) error {
	order := make([]string, 0)
	byID := make(map[string]*Feature)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 9 {
			return fmt.Errorf("annotation: malformed gff3 line: %q", line)
		}

		seqid := fields[0]
		biotype := fields[2]

		start, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return fmt.Errorf("annotation: invalid start in line %q: %w", line, err)
		}

		end, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return fmt.Errorf("annotation: invalid end in line %q: %w", line, err)
		}

		attrs := parseGFF3Attributes(fields[8])
		id := attrs["ID"]
		name := attrs["Name"]
		if name == "" {
			name = id
		}
		if name == "" {
			name = fmt.Sprintf("%s:%s:%d-%d", biotype, seqid, start, end)
		}

		// GFF3 coordinates are 1-based inclusive; the rest of this module
		// works in 0-based half-open genome coordinates.
		span := Span{Begin: start - 1, End: end}

		key := id
		if key == "" {
			key = name + "\x00" + seqid
		}

		if existing, ok := byID[key]; ok {
			existing.Spans = append(existing.Spans, span)
			continue
		}

		f := &Feature{Biotype: biotype, Name: name, Seqid: seqid, Spans: []Span{span}}
		byID[key] = f
		order = append(order, key)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("annotation: reading gff3: %w", err)
	}

	for _, key := range order {
		if err := store.AddFeature(ctx, *byID[key]); err != nil {
			return err
		}
	}

	return nil
}

func parseGFF3Attributes(field string) map[string]string {
	attrs := make(map[string]string)

	for _, kv := range strings.Split(field, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}

		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}

		attrs[parts[0]] = parts[1]
	}

	return attrs
}
