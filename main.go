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

// alnarrow streams a BAM or CRAM file and writes per-read alignment
// metrics (read length, percent identity, mapping quality) as an
// Arrow IPC file.
//
// Please see https://github.com/vsbio/alnarrow for a documentation of
// the tool.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/vsbio/alnarrow/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: extract")
	fmt.Fprint(os.Stderr, "\n", cmd.ExtractHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprintln(os.Stderr, cmd.HelpMessage)
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "extract":
		err = cmd.Extract()
	case "help", "-help", "--help", "-h", "--h":
		printHelp()
	default:
		log.Println("Unknown command:", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}
