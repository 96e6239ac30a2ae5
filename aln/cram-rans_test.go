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
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
)

// The encoders below exist only to produce rANS blocks for the decoder
// tests; the reader never compresses.

// ransNormalize scales raw symbol counts so that they sum to exactly
// ransTotal, keeping every present symbol at frequency >= 1.
func ransNormalize(counts *[256]uint32) (freqs [256]uint32) {
	var total uint32
	for _, c := range counts {
		total += c
	}
	sum := 0
	best := -1
	for i, c := range counts {
		if c == 0 {
			continue
		}
		f := c * ransTotal / total
		if f == 0 {
			f = 1
		}
		freqs[i] = f
		sum += int(f)
		if best < 0 || f > freqs[best] {
			best = i
		}
	}
	// push the rounding slack onto the most frequent symbol
	freqs[best] = uint32(int(freqs[best]) + ransTotal - sum)
	return freqs
}

func writeRansFreq(buf *bytes.Buffer, f uint32) {
	if f < 0x80 {
		buf.WriteByte(byte(f))
		return
	}
	buf.WriteByte(0x80 | byte(f>>8))
	buf.WriteByte(byte(f))
}

// writeRansFreqTable0 serializes an order-0 frequency table in the
// run-length encoded symbol list form the decoder expects.
func writeRansFreqTable0(buf *bytes.Buffer, freqs *[256]uint32) {
	var syms []int
	for i, f := range freqs {
		if f > 0 {
			syms = append(syms, i)
		}
	}
	buf.WriteByte(byte(syms[0]))
	rle := 0
	for idx := 0; idx < len(syms); idx++ {
		writeRansFreq(buf, freqs[syms[idx]])
		if rle > 0 {
			rle--
			continue
		}
		if idx+1 >= len(syms) {
			buf.WriteByte(0)
			break
		}
		next := syms[idx+1]
		buf.WriteByte(byte(next))
		if next == syms[idx]+1 {
			run := 0
			for idx+1+run+1 < len(syms) && syms[idx+1+run+1] == next+run+1 {
				run++
			}
			buf.WriteByte(byte(run))
			rle = run
		}
	}
}

type ransEncSymbol struct {
	start, freq uint32
}

func ransStarts(freqs *[256]uint32) (table [256]ransEncSymbol) {
	var x uint32
	for i, f := range freqs {
		table[i] = ransEncSymbol{start: x, freq: f}
		x += f
	}
	return table
}

// ransEncPut renormalizes one encoder state and pushes one symbol.
// Emitted bytes are in reverse stream order.
func ransEncPut(state uint32, rev *[]byte, sym ransEncSymbol) uint32 {
	xMax := ((ransLow >> ransTotalBits) << 8) * sym.freq
	for state >= xMax {
		*rev = append(*rev, byte(state))
		state >>= 8
	}
	return state/sym.freq<<ransTotalBits + state%sym.freq + sym.start
}

func ransFinish(states [4]uint32, rev []byte) []byte {
	var out []byte
	var buf [4]byte
	for _, state := range states {
		binary.LittleEndian.PutUint32(buf[:], state)
		out = append(out, buf[:]...)
	}
	for i := len(rev) - 1; i >= 0; i-- {
		out = append(out, rev[i])
	}
	return out
}

func ransFrame(order byte, body []byte, rawSize int) []byte {
	out := []byte{order, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[5:9], uint32(rawSize))
	return append(out, body...)
}

func ransEncode0(data []byte) []byte {
	var counts [256]uint32
	for _, b := range data {
		counts[b]++
	}
	freqs := ransNormalize(&counts)
	table := ransStarts(&freqs)
	var body bytes.Buffer
	writeRansFreqTable0(&body, &freqs)
	states := [4]uint32{ransLow, ransLow, ransLow, ransLow}
	var rev []byte
	for i := len(data) - 1; i >= 0; i-- {
		j := i & 3
		states[j] = ransEncPut(states[j], &rev, table[data[i]])
	}
	body.Write(ransFinish(states, rev))
	return ransFrame(ransOrder0, body.Bytes(), len(data))
}

func ransEncode1(data []byte) []byte {
	quarter := len(data) >> 2
	// per-segment context chains, matching the decoder's segmentation:
	// segments 0..2 are quarters, segment 3 runs to the end of the data
	bounds := [5]int{0, quarter, 2 * quarter, 3 * quarter, len(data)}
	var counts [256][256]uint32
	for j := 0; j < 4; j++ {
		ctx := byte(0)
		for i := bounds[j]; i < bounds[j+1]; i++ {
			counts[ctx][data[i]]++
			ctx = data[i]
		}
	}
	var freqs [256][256]uint32
	var tables [256][256]ransEncSymbol
	var ctxs []int
	for c := range counts {
		var total uint32
		for _, f := range counts[c] {
			total += f
		}
		if total == 0 {
			continue
		}
		freqs[c] = ransNormalize(&counts[c])
		tables[c] = ransStarts(&freqs[c])
		ctxs = append(ctxs, c)
	}

	var body bytes.Buffer
	body.WriteByte(byte(ctxs[0]))
	rle := 0
	for idx := 0; idx < len(ctxs); idx++ {
		writeRansFreqTable0(&body, &freqs[ctxs[idx]])
		if rle > 0 {
			rle--
			continue
		}
		if idx+1 >= len(ctxs) {
			body.WriteByte(0)
			break
		}
		next := ctxs[idx+1]
		body.WriteByte(byte(next))
		if next == ctxs[idx]+1 {
			run := 0
			for idx+1+run+1 < len(ctxs) && ctxs[idx+1+run+1] == next+run+1 {
				run++
			}
			body.WriteByte(byte(run))
			rle = run
		}
	}

	// encode in exact reverse of the decoder's interleaving
	states := [4]uint32{ransLow, ransLow, ransLow, ransLow}
	var rev []byte
	context := func(j, i int) byte {
		if i == bounds[j] {
			return 0
		}
		return data[i-1]
	}
	for i := len(data) - 1; i >= 4*quarter; i-- {
		states[3] = ransEncPut(states[3], &rev, tables[context(3, i)][data[i]])
	}
	for i := quarter - 1; i >= 0; i-- {
		for j := 3; j >= 0; j-- {
			pos := bounds[j] + i
			states[j] = ransEncPut(states[j], &rev, tables[context(j, pos)][data[pos]])
		}
	}
	body.Write(ransFinish(states, rev))
	return ransFrame(ransOrder1, body.Bytes(), len(data))
}

func ransTestData(n int) []byte {
	r := rand.New(rand.NewSource(7))
	data := make([]byte, n)
	alphabet := []byte("ACGTN!~")
	for i := range data {
		data[i] = alphabet[r.Intn(len(alphabet))]
	}
	return data
}

func TestRansOrder0RoundTrip(t *testing.T) {
	for _, n := range []int{1, 4, 5, 1000, 4096} {
		data := ransTestData(n)
		decoded, err := ransDecode(ransEncode0(data), len(data))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(decoded, data) {
			t.Errorf("order-0 rANS round trip failed for %v bytes", n)
		}
	}
}

func TestRansOrder1RoundTrip(t *testing.T) {
	for _, n := range []int{8, 1000, 1003, 4096} {
		data := ransTestData(n)
		decoded, err := ransDecode(ransEncode1(data), len(data))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(decoded, data) {
			t.Errorf("order-1 rANS round trip failed for %v bytes", n)
		}
	}
}

func TestRansSizeMismatch(t *testing.T) {
	data := ransTestData(100)
	if _, err := ransDecode(ransEncode0(data), 99); err == nil {
		t.Error("no error for a rANS block with a mismatched raw size")
	}
}
