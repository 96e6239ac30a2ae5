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

package aln

import "fmt"

// An InputError reports that an input could not be opened, is not a
// recognized container format, or is truncated or corrupt mid-stream.
// It aborts the whole run.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %v: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// A DecodeError reports that the bytes of an individual record violate
// the container's record encoding. It is fatal for the whole run:
// silently dropping malformed records could mislead downstream
// consumers with a truncated table.
type DecodeError struct {
	Record int64 // zero-based index of the offending record
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("record %v: %v", e.Record, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
