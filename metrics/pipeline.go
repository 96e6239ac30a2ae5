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
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/vsbio/alnarrow/aln"
	"github.com/vsbio/alnarrow/arrowio"
)

// Default configuration values, matching the conventions the
// downstream plotting tools rely on.
const (
	DefaultThreads = 4
	DefaultOutput  = "read_metrics.arrow"
)

// A Config describes one extraction run. It is constructed by the
// command-line layer and threaded explicitly through the pipeline;
// there is no process-wide mutable state.
type Config struct {
	// Input is a path to a BAM or CRAM file, or aln.StdinName for
	// standard input.
	Input string

	// Output is the destination Arrow IPC file, overwritten if it
	// exists. Defaults to DefaultOutput.
	Output string

	// Threads is the size of the decompression worker pool. Defaults
	// to DefaultThreads.
	Threads int

	// Log receives progress information. The zero value disables
	// logging.
	Log zerolog.Logger
}

// Run executes one full extraction: it streams all records of the
// input in order, extracts the metrics of every accepted record, and
// writes the finished columns as one Arrow IPC file. The run is
// all-or-nothing: any error aborts the whole pipeline, with all
// decompression workers joined before Run returns.
func Run(cfg Config) error {
	start := time.Now()
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultThreads
	}
	if cfg.Output == "" {
		cfg.Output = DefaultOutput
	}
	reader, err := aln.Open(cfg.Input, cfg.Threads)
	if err != nil {
		return err
	}
	cfg.Log.Info().Str("input", cfg.Input).Int("threads", cfg.Threads).Msg("extracting read metrics")

	var acc Accumulator
	var records, skipped int64
	var runErr error
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			runErr = err
			break
		}
		records++
		if row, ok := Extract(rec); ok {
			acc.Accept(row)
		} else {
			skipped++
		}
	}
	if cerr := reader.Close(); runErr == nil && cerr != nil {
		runErr = cerr
	}
	if runErr != nil {
		return runErr
	}

	table := acc.Finalize()
	cfg.Log.Info().
		Int64("records", records).
		Int64("skipped", skipped).
		Int("rows", table.Len()).
		Msg("input consumed")
	if err := arrowio.Write(cfg.Output, table.ReadLengths, table.PercentIdentities, table.MapQs); err != nil {
		return err
	}
	cfg.Log.Info().
		Str("output", cfg.Output).
		Dur("elapsed", time.Since(start)).
		Msg("metrics written")
	return nil
}
