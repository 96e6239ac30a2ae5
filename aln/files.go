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

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// StdinName is the input name that denotes the process's standard
// input stream.
const StdinName = "-"

// A Reader is a single-pass, ordered stream of alignment records.
// Read returns io.EOF when the stream is exhausted. Once exhausted, a
// Reader cannot be restarted; re-reading requires reopening the input,
// which is impossible when the input is standard input.
type Reader interface {
	// Read returns the next record in container order.
	Read() (*Record, error)

	// Close joins all decompression workers and releases the input.
	Close() error
}

// Open opens a BAM or CRAM input for reading, with up to threads
// blocks decompressed concurrently. The container kind is detected
// from the content, not the file name: BAM starts with a BGZF (gzip)
// header, CRAM with the "CRAM" magic. If name is StdinName or
// /dev/stdin, records are read from os.Stdin.
func Open(name string, threads int) (Reader, error) {
	var file *os.File
	if name == StdinName || name == "/dev/stdin" {
		file = os.Stdin
	} else {
		f, err := os.Open(name)
		if err != nil {
			return nil, &InputError{Path: name, Err: err}
		}
		file = f
	}
	closeInput := func() {
		if file != os.Stdin {
			_ = file.Close()
		}
	}
	buf := bufio.NewReader(file)
	magic, err := buf.Peek(4)
	if err != nil {
		closeInput()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = errors.New("input too short to contain an alignment container")
		}
		return nil, &InputError{Path: name, Err: err}
	}
	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		reader, err := newBamReader(name, buf, file, threads)
		if err != nil {
			closeInput()
			return nil, err
		}
		return reader, nil
	case string(magic) == cramMagic:
		reader, err := newCramReader(name, buf, file, threads)
		if err != nil {
			closeInput()
			return nil, err
		}
		return reader, nil
	default:
		closeInput()
		return nil, &InputError{Path: name, Err: errors.New("not a BAM or CRAM file")}
	}
}
