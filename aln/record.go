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

// Package aln decodes alignment records from BAM and CRAM containers.
// The decoders deliver records in input order as a single-pass stream;
// block decompression is parallelized internally, but consumers always
// observe the order of the underlying container.
package aln

// A CigarOperation represents a single entry in the edit script of an
// alignment: an operation and the number of bases it applies to.
type CigarOperation struct {
	Length    int32
	Operation byte // M, I, D, N, S, H, P, =, or X
}

// Alignment record flag values. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 1.4.2.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

// A Record is the read-only view of one alignment record that the
// metric extractor consumes. It deliberately carries only the fields
// the metrics need: bases, qualities, names, and positions are decoded
// where the container format demands it, but not retained.
type Record struct {
	Flag   uint16
	MapQ   byte
	SeqLen int32
	Cigar  []CigarOperation

	// EditDistance is the value of the NM tag, or -1 when the
	// container did not provide one.
	EditDistance int64
}

func (rec *Record) IsUnmapped() bool      { return (rec.Flag & Unmapped) != 0 }
func (rec *Record) IsSecondary() bool     { return (rec.Flag & Secondary) != 0 }
func (rec *Record) IsSupplementary() bool { return (rec.Flag & Supplementary) != 0 }

func operatorConsumesReadBases(operator byte) bool {
	switch operator {
	case 'M', 'I', 'S', '=', 'X':
		return true
	default:
		return false
	}
}

func operatorConsumesReferenceBases(operator byte) bool {
	switch operator {
	case 'M', 'D', 'N', '=', 'X':
		return true
	default:
		return false
	}
}

// ReadLength sums the lengths of all CIGAR operations that consume
// read bases.
func ReadLength(cigar []CigarOperation) int32 {
	var length int32
	for _, op := range cigar {
		if operatorConsumesReadBases(op.Operation) {
			length += op.Length
		}
	}
	return length
}

// ReferenceLength sums the lengths of all CIGAR operations that
// consume reference bases.
func ReferenceLength(cigar []CigarOperation) int32 {
	var length int32
	for _, op := range cigar {
		if operatorConsumesReferenceBases(op.Operation) {
			length += op.Length
		}
	}
	return length
}
