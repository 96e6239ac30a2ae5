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
	"reflect"
	"testing"
)

func expectPanic(t *testing.T, msg string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Error(msg)
		}
	}()
	f()
}

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	acc.Accept(Row{ReadLength: 100, PercentIdentity: 90, MapQ: 30})
	acc.Accept(Row{ReadLength: 80, PercentIdentity: 100, MapQ: 255})
	table := acc.Finalize()
	if table.Len() != 2 {
		t.Fatalf("got %v rows instead of 2", table.Len())
	}
	if !reflect.DeepEqual(table.ReadLengths, []uint64{100, 80}) {
		t.Errorf("unexpected read lengths %v", table.ReadLengths)
	}
	if !reflect.DeepEqual(table.PercentIdentities, []float64{90, 100}) {
		t.Errorf("unexpected identities %v", table.PercentIdentities)
	}
	if !reflect.DeepEqual(table.MapQs, []uint8{30, 255}) {
		t.Errorf("unexpected mapping qualities %v", table.MapQs)
	}
}

func TestAccumulatorEmpty(t *testing.T) {
	var acc Accumulator
	if table := acc.Finalize(); table.Len() != 0 {
		t.Errorf("got %v rows instead of 0", table.Len())
	}
}

func TestFinalizeTwicePanics(t *testing.T) {
	var acc Accumulator
	acc.Accept(Row{ReadLength: 1})
	acc.Finalize()
	expectPanic(t, "no panic for a second Finalize call", func() {
		acc.Finalize()
	})
}

func TestAcceptAfterFinalizePanics(t *testing.T) {
	var acc Accumulator
	acc.Finalize()
	expectPanic(t, "no panic for Accept on a finalized accumulator", func() {
		acc.Accept(Row{ReadLength: 1})
	})
}

func TestTableLenPanicsOnSkew(t *testing.T) {
	table := Table{ReadLengths: []uint64{1, 2}, PercentIdentities: []float64{100}, MapQs: []uint8{0, 0}}
	expectPanic(t, "no panic for mismatched column lengths", func() {
		table.Len()
	})
}
