// alnarrow: extracts per-read alignment metrics from BAM/CRAM files
// into Arrow IPC tables for downstream plotting tools.
// Copyright (c) 2024 VS Bio.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// Package metrics computes per-read alignment metrics and accumulates
// them into columns for the Arrow table writer.
package metrics

import "github.com/vsbio/alnarrow/aln"

// A Row holds the metrics of one accepted alignment record.
type Row struct {
	ReadLength      uint64
	PercentIdentity float64
	MapQ            uint8
}

// Extract computes the metrics of one alignment record. It reports
// false for records that carry no usable alignment: unmapped records,
// and mapped records whose edit script contains no aligned
// (match or mismatch) bases, such as an alignment consisting solely
// of insertions or clips. Secondary and supplementary alignments are
// not excluded; a read aligned multiple times contributes multiple
// rows.
func Extract(rec *aln.Record) (Row, bool) {
	if rec.IsUnmapped() {
		return Row{}, false
	}
	var aligned, mismatches int64
	var classified bool
	for _, op := range rec.Cigar {
		switch op.Operation {
		case 'M':
			aligned += int64(op.Length)
		case '=':
			aligned += int64(op.Length)
			classified = true
		case 'X':
			aligned += int64(op.Length)
			mismatches += int64(op.Length)
			classified = true
		}
	}
	if aligned == 0 {
		return Row{}, false
	}
	matching := aligned - mismatches
	if !classified && rec.EditDistance >= 0 {
		// the CIGAR does not distinguish matches from mismatches, so
		// fall back to the NM tag; NM also counts indel bases, which
		// the clamp below absorbs
		matching = aligned - rec.EditDistance
	}
	identity := 100 * float64(matching) / float64(aligned)
	if identity < 0 {
		identity = 0
	} else if identity > 100 {
		identity = 100
	}
	return Row{
		ReadLength:      uint64(rec.SeqLen),
		PercentIdentity: identity,
		MapQ:            rec.MapQ,
	}, true
}
