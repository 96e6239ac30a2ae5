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
	"errors"
	"fmt"
	"io"
	"sort"
)

// readITF8 reads one ITF-8 encoded int32. The number of leading one
// bits in the first byte gives the number of additional bytes, up to
// four. See https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 2.3.
func readITF8(r io.ByteReader) (int32, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch {
	case b0&0x80 == 0:
		return int32(b0), nil
	case b0&0x40 == 0:
		b1, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return int32(b0&0x7F)<<8 | int32(b1), nil
	case b0&0x20 == 0:
		var b [2]byte
		if err := readByteN(r, b[:]); err != nil {
			return 0, err
		}
		return int32(b0&0x3F)<<16 | int32(b[0])<<8 | int32(b[1]), nil
	case b0&0x10 == 0:
		var b [3]byte
		if err := readByteN(r, b[:]); err != nil {
			return 0, err
		}
		return int32(b0&0x1F)<<24 | int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2]), nil
	default:
		var b [4]byte
		if err := readByteN(r, b[:]); err != nil {
			return 0, err
		}
		return int32(b0&0x0F)<<28 | int32(b[0])<<20 | int32(b[1])<<12 | int32(b[2])<<4 | int32(b[3]&0x0F), nil
	}
}

// readLTF8 reads one LTF-8 encoded int64. See
// https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 2.3.
func readLTF8(r io.ByteReader) (int64, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	var extra int
	switch {
	case b0 < 0x80:
		return int64(b0), nil
	case b0 < 0xC0:
		extra = 1
	case b0 < 0xE0:
		extra = 2
	case b0 < 0xF0:
		extra = 3
	case b0 < 0xF8:
		extra = 4
	case b0 < 0xFC:
		extra = 5
	case b0 < 0xFE:
		extra = 6
	case b0 < 0xFF:
		extra = 7
	default:
		extra = 8
	}
	var b [8]byte
	if err := readByteN(r, b[:extra]); err != nil {
		return 0, err
	}
	value := int64(b0)
	if extra < 8 {
		value &= (1 << (7 - extra)) - 1
	} else {
		value = 0
	}
	for i := 0; i < extra; i++ {
		value = value<<8 | int64(b[i])
	}
	return value, nil
}

func readByteN(r io.ByteReader, buf []byte) error {
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

// byteReader walks the decompressed content of a CRAM block.
type byteReader struct {
	data []byte
	pos  int
}

var errBlockUnderflow = errors.New("attempt to read past the end of a CRAM block")

// ReadByte implements the corresponding method of io.ByteReader.
func (r *byteReader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errBlockUnderflow
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, errBlockUnderflow
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) skip(n int) error {
	if n < 0 || r.pos+n > len(r.data) {
		return errBlockUnderflow
	}
	r.pos += n
	return nil
}

// bitReader reads the core block of a CRAM slice, most significant
// bit first.
type bitReader struct {
	data []byte
	pos  int
	bits uint32
	n    uint
}

func (r *bitReader) readBit() (uint32, error) {
	if r.n == 0 {
		if r.pos >= len(r.data) {
			return 0, errors.New("attempt to read past the end of the core block of a CRAM slice")
		}
		r.bits = uint32(r.data[r.pos])
		r.pos++
		r.n = 8
	}
	r.n--
	return (r.bits >> r.n) & 1, nil
}

func (r *bitReader) readBits(n int32) (int32, error) {
	var value int32
	for i := int32(0); i < n; i++ {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		value = value<<1 | int32(bit)
	}
	return value, nil
}

// CRAM encoding identifiers. See
// https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 13.
const (
	codecNull         = 0
	codecExternal     = 1
	codecGolomb       = 2
	codecHuffman      = 3
	codecByteArrayLen = 4
	codecByteArrayStp = 5
	codecBeta         = 6
	codecSubexp       = 7
	codecGolombRice   = 8
	codecGamma        = 9
)

// An encoding describes how the values of one data series or tag are
// stored, as declared in the compression header of a container.
type encoding struct {
	codec     int32
	contentID int32 // EXTERNAL, BYTE_ARRAY_STOP
	stop      byte  // BYTE_ARRAY_STOP
	offset    int32 // BETA, GAMMA
	nBits     int32 // BETA
	huffman   *huffmanTable
	lengths   *encoding // BYTE_ARRAY_LEN
	values    *encoding // BYTE_ARRAY_LEN
}

// parseEncoding parses one encoding declaration: codec id, parameter
// length, and codec-specific parameters.
func parseEncoding(r *byteReader) (*encoding, error) {
	codec, err := readITF8(r)
	if err != nil {
		return nil, err
	}
	paramLen, err := readITF8(r)
	if err != nil {
		return nil, err
	}
	params, err := r.readBytes(int(paramLen))
	if err != nil {
		return nil, err
	}
	pr := &byteReader{data: params}
	enc := &encoding{codec: codec}
	switch codec {
	case codecNull:
	case codecExternal:
		if enc.contentID, err = readITF8(pr); err != nil {
			return nil, err
		}
	case codecHuffman:
		if enc.huffman, err = parseHuffmanTable(pr); err != nil {
			return nil, err
		}
	case codecByteArrayLen:
		if enc.lengths, err = parseEncoding(pr); err != nil {
			return nil, err
		}
		if enc.values, err = parseEncoding(pr); err != nil {
			return nil, err
		}
	case codecByteArrayStp:
		stop, err := pr.ReadByte()
		if err != nil {
			return nil, err
		}
		enc.stop = stop
		if enc.contentID, err = readITF8(pr); err != nil {
			return nil, err
		}
	case codecBeta:
		if enc.offset, err = readITF8(pr); err != nil {
			return nil, err
		}
		if enc.nBits, err = readITF8(pr); err != nil {
			return nil, err
		}
	case codecGamma:
		if enc.offset, err = readITF8(pr); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported CRAM encoding %v", codec)
	}
	return enc, nil
}

// huffmanTable is a canonical huffman code over an int32 alphabet.
// Entries are sorted by code length; codes are assigned in increasing
// order within and across lengths.
type huffmanTable struct {
	symbols []int32
	lengths []int32
	codes   []uint32
}

func parseHuffmanTable(r *byteReader) (*huffmanTable, error) {
	nSymbols, err := readITF8(r)
	if err != nil {
		return nil, err
	}
	if nSymbols <= 0 {
		return nil, errors.New("empty alphabet in a CRAM huffman encoding")
	}
	table := &huffmanTable{
		symbols: make([]int32, nSymbols),
		lengths: make([]int32, nSymbols),
		codes:   make([]uint32, nSymbols),
	}
	for i := range table.symbols {
		if table.symbols[i], err = readITF8(r); err != nil {
			return nil, err
		}
	}
	nLengths, err := readITF8(r)
	if err != nil {
		return nil, err
	}
	if nLengths != nSymbols {
		return nil, errors.New("mismatched alphabet and code lengths in a CRAM huffman encoding")
	}
	symbols := make([]int32, nSymbols)
	lengths := make([]int32, nSymbols)
	for i := range lengths {
		if lengths[i], err = readITF8(r); err != nil {
			return nil, err
		}
	}
	copy(symbols, table.symbols)
	// canonical code assignment: stable order by code length, then
	// increment codes, shifting left at every length change
	order := make([]int, nSymbols)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return lengths[order[i]] < lengths[order[j]]
	})
	var code uint32
	for i, o := range order {
		table.symbols[i] = symbols[o]
		table.lengths[i] = lengths[o]
		if i > 0 {
			code = (code + 1) << uint(table.lengths[i]-table.lengths[i-1])
		}
		table.codes[i] = code
	}
	return table, nil
}

func (table *huffmanTable) decode(core *bitReader) (int32, error) {
	if len(table.symbols) == 1 && table.lengths[0] == 0 {
		// a single zero-length symbol consumes no bits
		return table.symbols[0], nil
	}
	var code uint32
	var length int32
	for i := range table.symbols {
		for length < table.lengths[i] {
			bit, err := core.readBit()
			if err != nil {
				return 0, err
			}
			code = code<<1 | bit
			length++
		}
		if code == table.codes[i] {
			return table.symbols[i], nil
		}
	}
	return 0, errors.New("invalid huffman code in the core block of a CRAM slice")
}

// external returns the external block stream for the given content id.
func (slice *sliceDecoder) externalStream(contentID int32) (*byteReader, error) {
	stream, ok := slice.external[contentID]
	if !ok {
		return nil, fmt.Errorf("missing external block %v in a CRAM slice", contentID)
	}
	return stream, nil
}

// decodeInt decodes one integer value from the encoding's stream.
func (enc *encoding) decodeInt(slice *sliceDecoder) (int32, error) {
	switch enc.codec {
	case codecExternal:
		stream, err := slice.externalStream(enc.contentID)
		if err != nil {
			return 0, err
		}
		return readITF8(stream)
	case codecHuffman:
		return enc.huffman.decode(slice.core)
	case codecBeta:
		value, err := slice.core.readBits(enc.nBits)
		if err != nil {
			return 0, err
		}
		return value - enc.offset, nil
	case codecGamma:
		var zeros int32
		for {
			bit, err := slice.core.readBit()
			if err != nil {
				return 0, err
			}
			if bit == 1 {
				break
			}
			zeros++
		}
		rest, err := slice.core.readBits(zeros)
		if err != nil {
			return 0, err
		}
		return (1<<uint(zeros) | rest) - enc.offset, nil
	default:
		return 0, fmt.Errorf("CRAM encoding %v cannot produce integer values", enc.codec)
	}
}

// decodeByte decodes one byte value from the encoding's stream.
func (enc *encoding) decodeByte(slice *sliceDecoder) (byte, error) {
	switch enc.codec {
	case codecExternal:
		stream, err := slice.externalStream(enc.contentID)
		if err != nil {
			return 0, err
		}
		return stream.ReadByte()
	case codecHuffman:
		value, err := enc.huffman.decode(slice.core)
		return byte(value), err
	case codecBeta:
		value, err := slice.core.readBits(enc.nBits)
		return byte(value - enc.offset), err
	default:
		return 0, fmt.Errorf("CRAM encoding %v cannot produce byte values", enc.codec)
	}
}

// decodeByteArray decodes one byte array value. The callers mostly
// need lengths rather than content, so EXTERNAL values are consumed
// in bulk without copying.
func (enc *encoding) decodeByteArray(slice *sliceDecoder) ([]byte, error) {
	switch enc.codec {
	case codecByteArrayLen:
		length, err := enc.lengths.decodeInt(slice)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, errors.New("negative byte array length in a CRAM slice")
		}
		if enc.values.codec == codecExternal {
			stream, err := slice.externalStream(enc.values.contentID)
			if err != nil {
				return nil, err
			}
			return stream.readBytes(int(length))
		}
		value := make([]byte, length)
		for i := range value {
			if value[i], err = enc.values.decodeByte(slice); err != nil {
				return nil, err
			}
		}
		return value, nil
	case codecByteArrayStp:
		stream, err := slice.externalStream(enc.contentID)
		if err != nil {
			return nil, err
		}
		start := stream.pos
		for {
			b, err := stream.ReadByte()
			if err != nil {
				return nil, err
			}
			if b == enc.stop {
				return stream.data[start : stream.pos-1], nil
			}
		}
	default:
		return nil, fmt.Errorf("CRAM encoding %v cannot produce byte arrays", enc.codec)
	}
}
