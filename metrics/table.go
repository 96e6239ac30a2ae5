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

import "log"

// A Table holds the finished metric columns, index-aligned: index i
// across all three columns describes the same source record.
type Table struct {
	ReadLengths       []uint64
	PercentIdentities []float64
	MapQs             []uint8
}

// Len returns the number of rows. Mismatched column lengths are a
// core-logic defect and fail loudly.
func (table *Table) Len() int {
	n := len(table.ReadLengths)
	if len(table.PercentIdentities) != n || len(table.MapQs) != n {
		log.Panicf("mismatched column lengths %v/%v/%v in a metric table",
			len(table.ReadLengths), len(table.PercentIdentities), len(table.MapQs))
	}
	return n
}

// An Accumulator appends metric rows into growable columns, in input
// order. It is used by the single consumer stage of the pipeline only
// and therefore needs no locking.
type Accumulator struct {
	table     Table
	finalized bool
}

// Accept appends one row to the three columns.
func (acc *Accumulator) Accept(row Row) {
	if acc.finalized {
		log.Panic("row accepted by a finalized metric accumulator")
	}
	acc.table.ReadLengths = append(acc.table.ReadLengths, row.ReadLength)
	acc.table.PercentIdentities = append(acc.table.PercentIdentities, row.PercentIdentity)
	acc.table.MapQs = append(acc.table.MapQs, row.MapQ)
}

// Finalize returns the completed table and empties the accumulator.
// An accumulator is single-use: calling Finalize twice is a
// programming error, not a recoverable condition.
func (acc *Accumulator) Finalize() Table {
	if acc.finalized {
		log.Panic("metric accumulator finalized twice")
	}
	acc.finalized = true
	table := acc.table
	table.Len()
	acc.table = Table{}
	return table
}
