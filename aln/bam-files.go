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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vsbio/alnarrow/utils/bgzf"
)

// bamMagic is the magic string for the BAM format. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const bamMagic = "BAM\x01"

// cigarOps maps BAM binary operation codes to their character form.
var cigarOps = []byte("MIDNSHP=X")

// Fixed field offsets in a BAM alignment record. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const (
	bamRefIDIndex     = 0
	bamPosIndex       = 4
	bamLReadNameIndex = 8
	bamMapqIndex      = 9
	bamBinIndex       = 10
	bamNCigarOpIndex  = 12
	bamFlagIndex      = 14
	bamLSeqIndex      = 16
	bamFixedSize      = 32
)

// bamReader decodes BAM records from a parallel BGZF stream.
type bamReader struct {
	name  string
	rc    *os.File
	bgzf  *bgzf.Reader
	buf   []byte
	count int64
}

func newBamReader(name string, buf *bufio.Reader, file *os.File, threads int) (*bamReader, error) {
	bg, err := bgzf.NewReader(buf, threads)
	if err != nil {
		return nil, &InputError{Path: name, Err: err}
	}
	reader := &bamReader{
		name: name,
		rc:   file,
		bgzf: bg,
		buf:  make([]byte, 4),
	}
	if err := reader.skipHeader(); err != nil {
		_ = bg.Close()
		return nil, &InputError{Path: name, Err: err}
	}
	return reader, nil
}

func (reader *bamReader) readInt32() (int32, error) {
	if _, err := io.ReadFull(reader.bgzf, reader.buf[:4]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(reader.buf[:4])), nil
}

// skipHeader skips the header text and the sequence dictionary of a
// BAM file. The reference names are not retained: the metrics never
// look at reference identity, only at the edit script.
func (reader *bamReader) skipHeader() error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(reader.bgzf, magic); err != nil {
		return fmt.Errorf("%v while reading BAM magic", err)
	}
	if string(magic) != bamMagic {
		return errors.New("invalid BAM file header")
	}
	lText, err := reader.readInt32()
	if err != nil {
		return err
	}
	if _, err := io.CopyN(io.Discard, reader.bgzf, int64(lText)); err != nil {
		return err
	}
	nRef, err := reader.readInt32()
	if err != nil {
		return err
	}
	for i := int32(0); i < nRef; i++ {
		lName, err := reader.readInt32()
		if err != nil {
			return err
		}
		if _, err := io.CopyN(io.Discard, reader.bgzf, int64(lName)+4); err != nil {
			return err
		}
	}
	return nil
}

// Read implements the corresponding method of the Reader interface.
func (reader *bamReader) Read() (*Record, error) {
	if _, err := io.ReadFull(reader.bgzf, reader.buf[:4]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &InputError{Path: reader.name, Err: fmt.Errorf("%v while reading a BAM record size", err)}
	}
	size := int(int32(binary.LittleEndian.Uint32(reader.buf[:4])))
	if size < bamFixedSize {
		return nil, &DecodeError{Record: reader.count, Err: fmt.Errorf("BAM record size %v below fixed record size", size)}
	}
	for cap(reader.buf) < size {
		reader.buf = append(reader.buf[:cap(reader.buf)], 0)
	}
	reader.buf = reader.buf[:size]
	if _, err := io.ReadFull(reader.bgzf, reader.buf); err != nil {
		return nil, &InputError{Path: reader.name, Err: fmt.Errorf("%v while reading a BAM record", err)}
	}
	rec, err := parseBamRecord(reader.buf)
	if err != nil {
		return nil, &DecodeError{Record: reader.count, Err: err}
	}
	reader.count++
	return rec, nil
}

// Close implements the corresponding method of the Reader interface.
func (reader *bamReader) Close() error {
	err := reader.bgzf.Close()
	if reader.rc != os.Stdin {
		if cerr := reader.rc.Close(); err == nil {
			err = cerr
		}
	}
	if err == io.EOF {
		return nil
	}
	return err
}

// parseBamRecord parses the fields of a BAM alignment record that the
// metric extractor consumes. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func parseBamRecord(record []byte) (*Record, error) {
	rec := &Record{EditDistance: -1}

	lReadName := int(record[bamLReadNameIndex])
	rec.MapQ = record[bamMapqIndex]
	nCigarOp := int(binary.LittleEndian.Uint16(record[bamNCigarOpIndex : bamNCigarOpIndex+2]))
	rec.Flag = binary.LittleEndian.Uint16(record[bamFlagIndex : bamFlagIndex+2])
	rec.SeqLen = int32(binary.LittleEndian.Uint32(record[bamLSeqIndex : bamLSeqIndex+4]))
	if rec.SeqLen < 0 {
		return nil, fmt.Errorf("invalid sequence length %v in a BAM record", rec.SeqLen)
	}

	index := bamFixedSize + lReadName
	if index+4*nCigarOp > len(record) {
		return nil, errors.New("truncated CIGAR in a BAM record")
	}

	rec.Cigar = make([]CigarOperation, nCigarOp)
	for i := 0; i < nCigarOp; i, index = i+1, index+4 {
		cigar := binary.LittleEndian.Uint32(record[index : index+4])
		if op := int(0xF & cigar); op < len(cigarOps) {
			rec.Cigar[i] = CigarOperation{
				Length:    int32(cigar >> 4),
				Operation: cigarOps[op],
			}
		} else {
			return nil, fmt.Errorf("invalid CIGAR operation code %v in a BAM record", op)
		}
	}

	// seq is 4-bit packed, qual is one byte per base
	index += (int(rec.SeqLen)+1)>>1 + int(rec.SeqLen)
	if index > len(record) {
		return nil, errors.New("truncated sequence or qualities in a BAM record")
	}

	return rec, parseBamTags(rec, record[index:])
}

// parseBamTags scans the optional fields of a BAM record for the NM
// tag (edit distance) and the CG tag (spill-over CIGAR for alignments
// with more than 65535 operations). All other tags are skipped. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.4.
func parseBamTags(rec *Record, tags []byte) error {
	index := 0
	for index < len(tags) {
		if index+3 > len(tags) {
			return errors.New("truncated optional field in a BAM record")
		}
		c1, c2, typ := tags[index], tags[index+1], tags[index+2]
		index += 3
		switch typ {
		case 'A':
			index++
		case 'c', 'C':
			if index >= len(tags) {
				return errors.New("truncated optional field in a BAM record")
			}
			if c1 == 'N' && c2 == 'M' {
				rec.EditDistance = int64(tags[index])
			}
			index++
		case 's', 'S':
			if index+2 > len(tags) {
				return errors.New("truncated optional field in a BAM record")
			}
			if c1 == 'N' && c2 == 'M' {
				value := binary.LittleEndian.Uint16(tags[index : index+2])
				if typ == 's' {
					rec.EditDistance = int64(int16(value))
				} else {
					rec.EditDistance = int64(value)
				}
			}
			index += 2
		case 'i', 'I':
			if index+4 > len(tags) {
				return errors.New("truncated optional field in a BAM record")
			}
			if c1 == 'N' && c2 == 'M' {
				value := binary.LittleEndian.Uint32(tags[index : index+4])
				if typ == 'i' {
					rec.EditDistance = int64(int32(value))
				} else {
					rec.EditDistance = int64(value)
				}
			}
			index += 4
		case 'f':
			index += 4
		case 'Z', 'H':
			for {
				if index >= len(tags) {
					return errors.New("missing NUL byte in an optional string field in a BAM record")
				}
				if tags[index] == 0 {
					index++
					break
				}
				index++
			}
		case 'B':
			if index+5 > len(tags) {
				return errors.New("truncated numeric array in a BAM record")
			}
			subtype := tags[index]
			count := int(int32(binary.LittleEndian.Uint32(tags[index+1 : index+5])))
			if count < 0 {
				return fmt.Errorf("invalid length %v of a numeric array in a BAM record", count)
			}
			index += 5
			var width int
			switch subtype {
			case 'c', 'C':
				width = 1
			case 's', 'S':
				width = 2
			case 'i', 'I', 'f':
				width = 4
			default:
				return fmt.Errorf("invalid subtype %c in a numeric array in a BAM record", subtype)
			}
			if index+count*width > len(tags) {
				return errors.New("truncated numeric array in a BAM record")
			}
			if c1 == 'C' && c2 == 'G' && subtype == 'I' {
				// spill-over CIGAR: the real CIGAR is stored as a
				// CG:B,I tag when the placeholder kSmN CIGAR is in
				// the fixed fields
				if len(rec.Cigar) > 0 {
					if op := rec.Cigar[0]; op.Operation == 'S' && op.Length == rec.SeqLen {
						rec.Cigar = rec.Cigar[:0]
						for i := 0; i < count; i++ {
							cigar := binary.LittleEndian.Uint32(tags[index+4*i : index+4*i+4])
							if op := int(0xF & cigar); op < len(cigarOps) {
								rec.Cigar = append(rec.Cigar, CigarOperation{
									Length:    int32(cigar >> 4),
									Operation: cigarOps[op],
								})
							} else {
								return fmt.Errorf("invalid CIGAR operation code %v in a CG tag", op)
							}
						}
					}
				}
			}
			index += count * width
		default:
			return fmt.Errorf("invalid type %c of an optional field in a BAM record", typ)
		}
	}
	return nil
}
