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

package metrics

import (
	"testing"

	"github.com/vsbio/alnarrow/aln"
)

func TestExtract(t *testing.T) {
	for _, tc := range []struct {
		name string
		rec  aln.Record
		want Row
		skip bool
	}{
		{
			name: "classified mismatches",
			rec: aln.Record{
				MapQ:         30,
				SeqLen:       100,
				Cigar:        []aln.CigarOperation{{Length: 90, Operation: '='}, {Length: 10, Operation: 'X'}},
				EditDistance: -1,
			},
			want: Row{ReadLength: 100, PercentIdentity: 90, MapQ: 30},
		},
		{
			name: "unmapped",
			rec:  aln.Record{Flag: aln.Unmapped, SeqLen: 50, EditDistance: -1},
			skip: true,
		},
		{
			name: "insertion only",
			rec: aln.Record{
				MapQ:         10,
				SeqLen:       80,
				Cigar:        []aln.CigarOperation{{Length: 80, Operation: 'I'}},
				EditDistance: -1,
			},
			skip: true,
		},
		{
			name: "edit distance fallback",
			rec: aln.Record{
				MapQ:         60,
				SeqLen:       100,
				Cigar:        []aln.CigarOperation{{Length: 100, Operation: 'M'}},
				EditDistance: 10,
			},
			want: Row{ReadLength: 100, PercentIdentity: 90, MapQ: 60},
		},
		{
			name: "no edit distance",
			rec: aln.Record{
				MapQ:         60,
				SeqLen:       100,
				Cigar:        []aln.CigarOperation{{Length: 100, Operation: 'M'}},
				EditDistance: -1,
			},
			want: Row{ReadLength: 100, PercentIdentity: 100, MapQ: 60},
		},
		{
			name: "classified takes precedence over edit distance",
			rec: aln.Record{
				SeqLen: 100,
				// NM counts the inserted bases as well; the per-op
				// classification does not
				Cigar:        []aln.CigarOperation{{Length: 95, Operation: '='}, {Length: 5, Operation: 'X'}, {Length: 20, Operation: 'I'}},
				EditDistance: 25,
				MapQ:         40,
			},
			want: Row{ReadLength: 100, PercentIdentity: 95, MapQ: 40},
		},
		{
			name: "identity clamped at zero",
			rec: aln.Record{
				SeqLen:       30,
				Cigar:        []aln.CigarOperation{{Length: 30, Operation: 'M'}},
				EditDistance: 200,
			},
			want: Row{ReadLength: 30, PercentIdentity: 0},
		},
		{
			name: "secondary included",
			rec: aln.Record{
				Flag:         aln.Secondary,
				MapQ:         0,
				SeqLen:       75,
				Cigar:        []aln.CigarOperation{{Length: 75, Operation: '='}},
				EditDistance: -1,
			},
			want: Row{ReadLength: 75, PercentIdentity: 100},
		},
		{
			name: "supplementary included",
			rec: aln.Record{
				Flag:         aln.Supplementary,
				MapQ:         255,
				SeqLen:       40,
				Cigar:        []aln.CigarOperation{{Length: 20, Operation: 'S'}, {Length: 20, Operation: 'M'}},
				EditDistance: -1,
			},
			want: Row{ReadLength: 40, PercentIdentity: 100, MapQ: 255},
		},
		{
			name: "clips and skips excluded from aligned bases",
			rec: aln.Record{
				MapQ:         12,
				SeqLen:       60,
				Cigar:        []aln.CigarOperation{{Length: 10, Operation: 'S'}, {Length: 25, Operation: '='}, {Length: 100, Operation: 'N'}, {Length: 25, Operation: 'X'}},
				EditDistance: -1,
			},
			want: Row{ReadLength: 60, PercentIdentity: 50, MapQ: 12},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			row, ok := Extract(&tc.rec)
			if tc.skip {
				if ok {
					t.Fatalf("record not skipped: %+v", row)
				}
				return
			}
			if !ok {
				t.Fatal("record skipped")
			}
			if row != tc.want {
				t.Errorf("got %+v instead of %+v", row, tc.want)
			}
		})
	}
}
