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

package utils

const (
	// ProgramName is "alnarrow"
	ProgramName = "alnarrow"

	// ProgramVersion is the version of the alnarrow binary
	ProgramVersion = "1.2.0"

	// ProgramURL is the repository for the alnarrow source code
	ProgramURL = "http://github.com/vsbio/alnarrow"
)
