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
	"encoding/binary"
	"errors"
	"fmt"
)

// The rANS 4x8 entropy codec used for CRAM 3.0 blocks: four
// interleaved range-coder states over 12-bit frequencies, in order-0
// or order-1 variants. See
// https://samtools.github.io/hts-specs/CRAMcodecs.pdf - Section 2.

const (
	ransOrder0    = 0
	ransOrder1    = 1
	ransTotalBits = 12
	ransTotal     = 1 << ransTotalBits // 4096
	ransLow       = 1 << 23            // renormalization threshold
)

type ransSymbol struct {
	start uint32 // cumulative frequency
	freq  uint32
}

// ransDecode decodes one rANS 4x8 compressed CRAM block into a buffer
// of the given size.
func ransDecode(in []byte, outSize int) ([]byte, error) {
	if len(in) < 9 {
		return nil, errors.New("truncated rANS block in a CRAM file")
	}
	order := in[0]
	compressedSize := binary.LittleEndian.Uint32(in[1:5])
	rawSize := binary.LittleEndian.Uint32(in[5:9])
	if int(rawSize) != outSize {
		return nil, fmt.Errorf("rANS block declares %v bytes where %v are expected", rawSize, outSize)
	}
	if int(compressedSize) != len(in)-9 {
		return nil, errors.New("rANS block size mismatch in a CRAM file")
	}
	r := &byteReader{data: in[9:]}
	switch order {
	case ransOrder0:
		return ransDecode0(r, outSize)
	case ransOrder1:
		return ransDecode1(r, outSize)
	default:
		return nil, fmt.Errorf("unsupported rANS order %v in a CRAM file", order)
	}
}

// readRansFreq reads one frequency value: either a single byte, or,
// when the top bit is set, a 15-bit value in two bytes.
func readRansFreq(r *byteReader) (uint32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b < 0x80 {
		return uint32(b), nil
	}
	b2, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return uint32(b&0x7F)<<8 | uint32(b2), nil
}

// readRansFreqTable0 reads an order-0 frequency table: a run-length
// encoded list of (symbol, frequency) pairs terminated by symbol 0.
func readRansFreqTable0(r *byteReader) (syms [256]ransSymbol, lookup []byte, err error) {
	lookup = make([]byte, ransTotal)
	var x uint32
	var rle int
	j, err := r.ReadByte()
	if err != nil {
		return syms, nil, err
	}
	for {
		freq, err := readRansFreq(r)
		if err != nil {
			return syms, nil, err
		}
		if x+freq > ransTotal {
			return syms, nil, errors.New("rANS frequencies exceed the total in a CRAM file")
		}
		syms[j] = ransSymbol{start: x, freq: freq}
		for i := uint32(0); i < freq; i++ {
			lookup[x+i] = j
		}
		x += freq
		if rle > 0 {
			rle--
			j++
		} else {
			next, err := r.ReadByte()
			if err != nil {
				return syms, nil, err
			}
			if j < 0xFF && next == j+1 {
				j = next
				rleByte, err := r.ReadByte()
				if err != nil {
					return syms, nil, err
				}
				rle = int(rleByte)
			} else {
				j = next
			}
		}
		if j == 0 && rle == 0 {
			break
		}
	}
	return syms, lookup, nil
}

func ransAdvance(state uint32, sym ransSymbol, slot uint32) uint32 {
	return sym.freq*(state>>ransTotalBits) + slot - sym.start
}

func ransRenorm(state uint32, r *byteReader) (uint32, error) {
	for state < ransLow {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		state = state<<8 | uint32(b)
	}
	return state, nil
}

func ransDecode0(r *byteReader, outSize int) ([]byte, error) {
	syms, lookup, err := readRansFreqTable0(r)
	if err != nil {
		return nil, err
	}
	var states [4]uint32
	for i := range states {
		buf, err := r.readBytes(4)
		if err != nil {
			return nil, err
		}
		states[i] = binary.LittleEndian.Uint32(buf)
	}
	out := make([]byte, outSize)
	for i := 0; i < outSize; i++ {
		j := i & 3
		slot := states[j] & (ransTotal - 1)
		b := lookup[slot]
		out[i] = b
		states[j] = ransAdvance(states[j], syms[b], slot)
		if states[j], err = ransRenorm(states[j], r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readRansFreqTable1 reads an order-1 frequency table: a run-length
// encoded list of contexts, each carrying an order-0 style table.
func readRansFreqTable1(r *byteReader) (syms *[256][256]ransSymbol, lookup *[256][]byte, err error) {
	syms = new([256][256]ransSymbol)
	lookup = new([256][]byte)
	var rle int
	i, err := r.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	for {
		ctxSyms, ctxLookup, err := readRansFreqTable0(r)
		if err != nil {
			return nil, nil, err
		}
		syms[i] = ctxSyms
		lookup[i] = ctxLookup
		if rle > 0 {
			rle--
			i++
		} else {
			next, err := r.ReadByte()
			if err != nil {
				return nil, nil, err
			}
			if i < 0xFF && next == i+1 {
				i = next
				rleByte, err := r.ReadByte()
				if err != nil {
					return nil, nil, err
				}
				rle = int(rleByte)
			} else {
				i = next
			}
		}
		if i == 0 && rle == 0 {
			break
		}
	}
	return syms, lookup, nil
}

func ransDecode1(r *byteReader, outSize int) ([]byte, error) {
	syms, lookup, err := readRansFreqTable1(r)
	if err != nil {
		return nil, err
	}
	var states [4]uint32
	for i := range states {
		buf, err := r.readBytes(4)
		if err != nil {
			return nil, err
		}
		states[i] = binary.LittleEndian.Uint32(buf)
	}
	out := make([]byte, outSize)
	quarter := outSize >> 2
	var contexts [4]byte
	// four states decode four interleaved quarters of the output; the
	// remainder after 4*quarter bytes is handled by the last state
	for i := 0; i < quarter; i++ {
		for j := 0; j < 4; j++ {
			ctx := contexts[j]
			if lookup[ctx] == nil {
				return nil, errors.New("invalid rANS order-1 context in a CRAM file")
			}
			slot := states[j] & (ransTotal - 1)
			b := lookup[ctx][slot]
			out[j*quarter+i] = b
			states[j] = ransAdvance(states[j], syms[ctx][b], slot)
			if states[j], err = ransRenorm(states[j], r); err != nil {
				return nil, err
			}
			contexts[j] = b
		}
	}
	for i := 4 * quarter; i < outSize; i++ {
		ctx := contexts[3]
		if lookup[ctx] == nil {
			return nil, errors.New("invalid rANS order-1 context in a CRAM file")
		}
		slot := states[3] & (ransTotal - 1)
		b := lookup[ctx][slot]
		out[i] = b
		states[3] = ransAdvance(states[3], syms[ctx][b], slot)
		if states[3], err = ransRenorm(states[3], r); err != nil {
			return nil, err
		}
		contexts[3] = b
	}
	return out, nil
}
