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

// Package arrowio serializes finished metric columns into an Arrow
// IPC file. The schema is a compatibility contract with downstream
// plotting tools and must not change.
package arrowio

import (
	"fmt"
	"log"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// An OutputError reports that the destination is not writable or that
// serialization failed. It is terminal: a single local file operation
// is not retried.
type OutputError struct {
	Path string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("output %v: %v", e.Path, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

// Schema is the column layout the downstream plotting tools expect.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "identities", Type: arrow.PrimitiveTypes.Float64},
	{Name: "lengths", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "mapQ", Type: arrow.PrimitiveTypes.Uint8},
}, nil)

// Write serializes the three index-aligned metric columns into the
// Arrow IPC file at path, overwriting it if it exists.
func Write(path string, lengths []uint64, identities []float64, mapqs []uint8) error {
	if len(identities) != len(lengths) || len(mapqs) != len(lengths) {
		log.Panicf("mismatched column lengths %v/%v/%v handed to the Arrow writer",
			len(lengths), len(identities), len(mapqs))
	}
	mem := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, Schema)
	defer builder.Release()
	builder.Field(0).(*array.Float64Builder).AppendValues(identities, nil)
	builder.Field(1).(*array.Uint64Builder).AppendValues(lengths, nil)
	builder.Field(2).(*array.Uint8Builder).AppendValues(mapqs, nil)
	record := builder.NewRecord()
	defer record.Release()

	file, err := os.Create(path)
	if err != nil {
		return &OutputError{Path: path, Err: err}
	}
	writer, err := ipc.NewFileWriter(file, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err != nil {
		_ = file.Close()
		return &OutputError{Path: path, Err: err}
	}
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		_ = file.Close()
		return discard(path, err)
	}
	if err := writer.Close(); err != nil {
		_ = file.Close()
		return discard(path, err)
	}
	if err := file.Close(); err != nil {
		return discard(path, err)
	}
	return nil
}

// discard removes a partially written file so that a failed run never
// leaves an incomplete table behind for downstream tools to pick up.
func discard(path string, err error) error {
	_ = os.Remove(path)
	return &OutputError{Path: path, Err: err}
}
