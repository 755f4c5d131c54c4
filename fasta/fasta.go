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

// Package fasta writes materialized alignments in FASTA format, the
// output format in which AlignmentWriter writes one file per alignment
// block.
package fasta

import (
	"fmt"
	"io"
)

// Sequence is a single named sequence of a FASTA file.
type Sequence struct {
	Description string
	Values      []byte
}

// Write writes sequences to w as FASTA, wrapping each sequence's residues
// at 80 columns.
func Write(w io.Writer, sequences []Sequence) error {
	for _, s := range sequences {
		if _, err := fmt.Fprintf(w, ">%s\n", s.Description); err != nil {
			return fmt.Errorf("fasta: writing header: %w", err)
		}

		for i := 0; i < len(s.Values); i += 80 {
			end := i + 80
			if end > len(s.Values) {
				end = len(s.Values)
			}

			if _, err := w.Write(s.Values[i:end]); err != nil {
				return fmt.Errorf("fasta: writing sequence: %w", err)
			}

			if end < len(s.Values) {
				if _, err := w.Write([]byte{'\n'}); err != nil {
					return fmt.Errorf("fasta: writing sequence: %w", err)
				}
			}
		}

		if _, err := w.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("fasta: writing sequence: %w", err)
		}
	}

	return nil
}
