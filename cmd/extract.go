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

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/vsbio/alnarrow/metrics"
)

// ExtractHelp is the help string for this command.
const ExtractHelp = "extract parameters:\n" +
	"alnarrow extract (bam-file | cram-file | -)\n" +
	"[--output arrow-file]\n" +
	"[--nr-of-threads nr]\n" +
	"[--log-path path]\n"

// Extract implements the alnarrow extract command.
func Extract() error {
	var (
		output, logPath string
		nrOfThreads     int
	)

	var flags flag.FlagSet

	flags.StringVar(&output, "output", metrics.DefaultOutput, "name of the output Arrow file")
	flags.IntVar(&nrOfThreads, "nr-of-threads", metrics.DefaultThreads, "number of worker threads")
	flags.StringVar(&logPath, "log-path", "", "write a copy of the log to this directory")

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, ExtractHelp)
		os.Exit(1)
	}

	input := getFilename(os.Args[2], ExtractHelp)

	parseFlags(flags, 3, ExtractHelp)

	// sanity checks

	var sanityChecksFailed bool

	if !checkExist("", input) {
		sanityChecksFailed = true
	}
	if !checkCreate("--output", output) {
		sanityChecksFailed = true
	}
	if nrOfThreads <= 0 {
		log.Println("Error: Invalid nr-of-threads:", nrOfThreads)
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, ExtractHelp)
		os.Exit(1)
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " extract ", input)
	fmt.Fprint(&command, " --output ", output)
	fmt.Fprint(&command, " --nr-of-threads ", nrOfThreads)
	if logPath != "" {
		fmt.Fprint(&command, " --log-path ", logPath)
	}

	// executing command

	logger, closeLog := newLogger(logPath)
	defer closeLog()
	logger.Info().Str("command", command.String()).Msg("executing command")

	err := metrics.Run(metrics.Config{
		Input:   input,
		Output:  output,
		Threads: nrOfThreads,
		Log:     logger,
	})
	if err != nil {
		return err
	}
	logMaxRss(logger)
	return nil
}
