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
	"testing"
)

// itf8 encodes one ITF-8 value, for building test containers.
func itf8(v int32) []byte {
	u := uint32(v)
	switch {
	case u < 0x80:
		return []byte{byte(u)}
	case u < 0x4000:
		return []byte{0x80 | byte(u>>8), byte(u)}
	case u < 0x200000:
		return []byte{0xC0 | byte(u>>16), byte(u >> 8), byte(u)}
	case u < 0x10000000:
		return []byte{0xE0 | byte(u>>24), byte(u >> 16), byte(u >> 8), byte(u)}
	default:
		return []byte{0xF0 | byte(u>>28), byte(u >> 20), byte(u >> 12), byte(u >> 4), byte(u & 0x0F)}
	}
}

// ltf8 encodes one LTF-8 value, for building test containers.
func ltf8(v int64) []byte {
	u := uint64(v)
	switch {
	case u < 1<<7:
		return []byte{byte(u)}
	case u < 1<<14:
		return []byte{0x80 | byte(u>>8), byte(u)}
	case u < 1<<21:
		return []byte{0xC0 | byte(u>>16), byte(u >> 8), byte(u)}
	case u < 1<<28:
		return []byte{0xE0 | byte(u>>24), byte(u >> 16), byte(u >> 8), byte(u)}
	case u < 1<<35:
		return []byte{0xF0 | byte(u>>32), byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	case u < 1<<42:
		return []byte{0xF8 | byte(u>>40), byte(u >> 32), byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	case u < 1<<49:
		return []byte{0xFC | byte(u>>48), byte(u >> 40), byte(u >> 32), byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	case u < 1<<56:
		return []byte{0xFE, byte(u >> 48), byte(u >> 40), byte(u >> 32), byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	default:
		return []byte{0xFF, byte(u >> 56), byte(u >> 48), byte(u >> 40), byte(u >> 32), byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	}
}

func TestITF8(t *testing.T) {
	for _, v := range []int32{0, 1, 127, 128, 4000, 16383, 16384, 1 << 20, 1 << 27, 1<<31 - 1, -1, -100} {
		decoded, err := readITF8(&byteReader{data: itf8(v)})
		if err != nil {
			t.Fatal(err)
		}
		if decoded != v {
			t.Errorf("ITF-8 value %v decoded to %v", v, decoded)
		}
	}
}

func TestLTF8(t *testing.T) {
	for _, v := range []int64{0, 1, 127, 128, 1 << 13, 1 << 20, 1 << 27, 1 << 34, 1 << 41, 1 << 48, 1 << 55, 1<<62 + 12345, -1} {
		decoded, err := readLTF8(&byteReader{data: ltf8(v)})
		if err != nil {
			t.Fatal(err)
		}
		if decoded != v {
			t.Errorf("LTF-8 value %v decoded to %v", v, decoded)
		}
	}
}

// testEncoding assembles the wire form of an encoding declaration:
// codec id, parameter length, parameters.
func testEncoding(codec int32, params ...[]byte) []byte {
	var flat []byte
	for _, p := range params {
		flat = append(flat, p...)
	}
	out := itf8(codec)
	out = append(out, itf8(int32(len(flat)))...)
	return append(out, flat...)
}

func parseTestEncoding(t *testing.T, data []byte) *encoding {
	t.Helper()
	enc, err := parseEncoding(&byteReader{data: data})
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestHuffmanDecode(t *testing.T) {
	// symbols 1, 2, 3 with code lengths 1, 2, 2: canonical codes 0, 10, 11
	enc := parseTestEncoding(t, testEncoding(codecHuffman,
		itf8(3), itf8(1), itf8(2), itf8(3),
		itf8(3), itf8(1), itf8(2), itf8(2)))
	// bit stream for 1, 2, 3, 1: 0 10 11 0
	slice := &sliceDecoder{core: &bitReader{data: []byte{0x58}}}
	for _, want := range []int32{1, 2, 3, 1} {
		got, err := enc.decodeInt(slice)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("huffman code decoded to %v instead of %v", got, want)
		}
	}
}

func TestHuffmanSingleSymbol(t *testing.T) {
	// a single zero-length symbol consumes no bits at all
	enc := parseTestEncoding(t, testEncoding(codecHuffman, itf8(1), itf8(42), itf8(1), itf8(0)))
	slice := &sliceDecoder{core: &bitReader{}}
	for i := 0; i < 3; i++ {
		got, err := enc.decodeInt(slice)
		if err != nil {
			t.Fatal(err)
		}
		if got != 42 {
			t.Errorf("constant huffman code decoded to %v instead of 42", got)
		}
	}
}

func TestBetaDecode(t *testing.T) {
	enc := parseTestEncoding(t, testEncoding(codecBeta, itf8(2), itf8(4)))
	// stored value 7 in 4 bits, offset 2: logical value 5
	slice := &sliceDecoder{core: &bitReader{data: []byte{0x70}}}
	got, err := enc.decodeInt(slice)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("beta code decoded to %v instead of 5", got)
	}
}

func TestGammaDecode(t *testing.T) {
	enc := parseTestEncoding(t, testEncoding(codecGamma, itf8(1)))
	// stored value 5 is 00101 in gamma bits, offset 1: logical value 4
	slice := &sliceDecoder{core: &bitReader{data: []byte{0x28}}}
	got, err := enc.decodeInt(slice)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4 {
		t.Errorf("gamma code decoded to %v instead of 4", got)
	}
}

func TestExternalDecode(t *testing.T) {
	enc := parseTestEncoding(t, testEncoding(codecExternal, itf8(7)))
	stream := append(itf8(300), itf8(-1)...)
	slice := &sliceDecoder{external: map[int32]*byteReader{7: {data: stream}}}
	for _, want := range []int32{300, -1} {
		got, err := enc.decodeInt(slice)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("external value decoded to %v instead of %v", got, want)
		}
	}
}

func TestByteArrayStopDecode(t *testing.T) {
	enc := parseTestEncoding(t, testEncoding(codecByteArrayStp, []byte{'\t'}, itf8(6)))
	slice := &sliceDecoder{external: map[int32]*byteReader{6: {data: []byte("read1\tread2\t")}}}
	for _, want := range []string{"read1", "read2"} {
		got, err := enc.decodeByteArray(slice)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("byte array decoded to %q instead of %q", got, want)
		}
	}
}

func TestByteArrayLenDecode(t *testing.T) {
	enc := parseTestEncoding(t, testEncoding(codecByteArrayLen,
		testEncoding(codecExternal, itf8(1)),
		testEncoding(codecExternal, itf8(2))))
	slice := &sliceDecoder{external: map[int32]*byteReader{
		1: {data: bytes.Join([][]byte{itf8(3), itf8(4)}, nil)},
		2: {data: []byte("ACGTACG")},
	}}
	for _, want := range []string{"ACG", "TACG"} {
		got, err := enc.decodeByteArray(slice)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("byte array decoded to %q instead of %q", got, want)
		}
	}
}

func TestUnsupportedCodec(t *testing.T) {
	if _, err := parseEncoding(&byteReader{data: testEncoding(codecGolomb, itf8(0), itf8(1))}); err == nil {
		t.Error("no error for the unsupported golomb codec")
	}
}
