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

// Package names sanitizes and standardizes the sequence identifiers seen
// across upstream alignment and annotation sources.
package names

import "strings"

// Chromosome returns a sanitized/standardized chromosome name.
func Chromosome(chromosome string) string {
	chromosome = strings.TrimPrefix(strings.ToUpper(chromosome), "CHR")
	if chromosome == "M" {
		chromosome = "MT"
	}

	return chromosome
}
