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
	"errors"
	"fmt"
)

// A cramTag identifies one optional field in the tag dictionary: its
// two-character name, its value type, and the packed key under which
// its encoding is declared.
type cramTag struct {
	c1, c2, typ byte
	key         int32
}

// compressionHeader holds the decoding context of one CRAM container:
// preservation flags, the tag dictionary, and the declared encodings
// of all data series and tags. See
// https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 8.4.
type compressionHeader struct {
	readNamesIncluded bool // RN
	apDelta           bool // AP
	refRequired       bool // RR
	tagDict           [][]cramTag
	series            map[string]*encoding
	tags              map[int32]*encoding
}

func parseCompressionHeader(data []byte) (*compressionHeader, error) {
	r := &byteReader{data: data}
	hdr := &compressionHeader{
		readNamesIncluded: true,
		apDelta:           true,
		refRequired:       true,
		tagDict:           [][]cramTag{nil},
		series:            make(map[string]*encoding),
		tags:              make(map[int32]*encoding),
	}

	// preservation map
	if _, err := readITF8(r); err != nil { // size in bytes
		return nil, err
	}
	nEntries, err := readITF8(r)
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < nEntries; i++ {
		key, err := r.readBytes(2)
		if err != nil {
			return nil, err
		}
		switch string(key) {
		case "RN":
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			hdr.readNamesIncluded = b != 0
		case "AP":
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			hdr.apDelta = b != 0
		case "RR":
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			hdr.refRequired = b != 0
		case "SM":
			// substitution matrix; base reconstruction is never
			// performed, so only its width matters here
			if err := r.skip(5); err != nil {
				return nil, err
			}
		case "TD":
			length, err := readITF8(r)
			if err != nil {
				return nil, err
			}
			blob, err := r.readBytes(int(length))
			if err != nil {
				return nil, err
			}
			if hdr.tagDict, err = parseTagDictionary(blob); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown key %q in the preservation map of a CRAM compression header", key)
		}
	}

	// data series encoding map
	if _, err := readITF8(r); err != nil {
		return nil, err
	}
	if nEntries, err = readITF8(r); err != nil {
		return nil, err
	}
	for i := int32(0); i < nEntries; i++ {
		key, err := r.readBytes(2)
		if err != nil {
			return nil, err
		}
		series := string(key)
		enc, err := parseEncoding(r)
		if err != nil {
			return nil, err
		}
		hdr.series[series] = enc
	}

	// tag encoding map
	if _, err := readITF8(r); err != nil {
		return nil, err
	}
	if nEntries, err = readITF8(r); err != nil {
		return nil, err
	}
	for i := int32(0); i < nEntries; i++ {
		key, err := readITF8(r)
		if err != nil {
			return nil, err
		}
		enc, err := parseEncoding(r)
		if err != nil {
			return nil, err
		}
		hdr.tags[key] = enc
	}

	return hdr, nil
}

// parseTagDictionary splits the TD blob into tag lines. Each line is a
// NUL-terminated run of 3-byte tag descriptors; the TL data series
// selects a line per record.
func parseTagDictionary(blob []byte) ([][]cramTag, error) {
	dict := [][]cramTag{}
	for {
		end := bytes.IndexByte(blob, 0)
		if end < 0 {
			if len(blob) > 0 {
				return nil, errors.New("unterminated line in the tag dictionary of a CRAM compression header")
			}
			break
		}
		line := blob[:end]
		blob = blob[end+1:]
		if len(line)%3 != 0 {
			return nil, errors.New("malformed line in the tag dictionary of a CRAM compression header")
		}
		var tags []cramTag
		for i := 0; i < len(line); i += 3 {
			tags = append(tags, cramTag{
				c1:  line[i],
				c2:  line[i+1],
				typ: line[i+2],
				key: int32(line[i])<<16 | int32(line[i+1])<<8 | int32(line[i+2]),
			})
		}
		dict = append(dict, tags)
	}
	if len(dict) == 0 {
		dict = [][]cramTag{nil}
	}
	return dict, nil
}

func (hdr *compressionHeader) seriesEncoding(series string) (*encoding, error) {
	enc, ok := hdr.series[series]
	if !ok {
		return nil, fmt.Errorf("missing encoding for the %v data series in a CRAM compression header", series)
	}
	return enc, nil
}

// sliceDecoder decodes the records of one CRAM slice from its core
// bit stream and its external byte streams.
type sliceDecoder struct {
	hdr       *compressionHeader
	core      *bitReader
	external  map[int32]*byteReader
	refSeqID  int32
	remaining int32
}

func (slice *sliceDecoder) readInt(series string) (int32, error) {
	enc, err := slice.hdr.seriesEncoding(series)
	if err != nil {
		return 0, err
	}
	return enc.decodeInt(slice)
}

func (slice *sliceDecoder) readByte(series string) (byte, error) {
	enc, err := slice.hdr.seriesEncoding(series)
	if err != nil {
		return 0, err
	}
	return enc.decodeByte(slice)
}

func (slice *sliceDecoder) readArray(series string) ([]byte, error) {
	enc, err := slice.hdr.seriesEncoding(series)
	if err != nil {
		return nil, err
	}
	return enc.decodeByteArray(slice)
}

// skipBytes consumes n single-byte values of a data series. EXTERNAL
// streams are skipped in bulk.
func (slice *sliceDecoder) skipBytes(series string, n int32) error {
	enc, err := slice.hdr.seriesEncoding(series)
	if err != nil {
		return err
	}
	if enc.codec == codecExternal {
		stream, err := slice.externalStream(enc.contentID)
		if err != nil {
			return err
		}
		return stream.skip(int(n))
	}
	for i := int32(0); i < n; i++ {
		if _, err := enc.decodeByte(slice); err != nil {
			return err
		}
	}
	return nil
}

// decodeRecord decodes one record. All data series are consumed in
// the order mandated by the format to keep the shared core and
// external streams aligned, even though only the flags, the read
// length, the mapping quality, and the edit script survive into the
// returned Record. See
// https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 10.
func (slice *sliceDecoder) decodeRecord() (*Record, error) {
	rec := &Record{EditDistance: -1}

	bf, err := slice.readInt("BF")
	if err != nil {
		return nil, err
	}
	rec.Flag = uint16(bf)
	cf, err := slice.readInt("CF")
	if err != nil {
		return nil, err
	}
	if slice.refSeqID == -2 {
		if _, err := slice.readInt("RI"); err != nil {
			return nil, err
		}
	}
	rl, err := slice.readInt("RL")
	if err != nil {
		return nil, err
	}
	if rl < 0 {
		return nil, errors.New("negative read length in a CRAM record")
	}
	rec.SeqLen = rl
	if _, err := slice.readInt("AP"); err != nil {
		return nil, err
	}
	if _, err := slice.readInt("RG"); err != nil {
		return nil, err
	}
	if slice.hdr.readNamesIncluded {
		if _, err := slice.readArray("RN"); err != nil {
			return nil, err
		}
	}
	if cf&cramDetached != 0 {
		mf, err := slice.readInt("MF")
		if err != nil {
			return nil, err
		}
		if mf&0x1 != 0 {
			rec.Flag |= NextReversed
		}
		if mf&0x2 != 0 {
			rec.Flag |= NextUnmapped
		}
		if !slice.hdr.readNamesIncluded {
			if _, err := slice.readArray("RN"); err != nil {
				return nil, err
			}
		}
		for _, series := range [...]string{"NS", "NP", "TS"} {
			if _, err := slice.readInt(series); err != nil {
				return nil, err
			}
		}
	} else if cf&cramHasMateDownstream != 0 {
		if _, err := slice.readInt("NF"); err != nil {
			return nil, err
		}
	}
	if err := slice.decodeTags(rec); err != nil {
		return nil, err
	}
	if rec.Flag&Unmapped == 0 {
		if err := slice.decodeFeatures(rec, cf); err != nil {
			return nil, err
		}
	} else {
		if cf&cramUnknownBases == 0 {
			if err := slice.skipBytes("BA", rl); err != nil {
				return nil, err
			}
		}
		if cf&cramQualityScoresStored != 0 {
			if err := slice.skipBytes("QS", rl); err != nil {
				return nil, err
			}
		}
	}
	return rec, nil
}

// decodeTags consumes the optional fields of a record as selected by
// the TL data series, extracting the NM (edit distance) value when
// present.
func (slice *sliceDecoder) decodeTags(rec *Record) error {
	tl, err := slice.readInt("TL")
	if err != nil {
		return err
	}
	if tl < 0 || int(tl) >= len(slice.hdr.tagDict) {
		return fmt.Errorf("tag line %v outside the tag dictionary of a CRAM compression header", tl)
	}
	for _, tag := range slice.hdr.tagDict[tl] {
		enc, ok := slice.hdr.tags[tag.key]
		if !ok {
			return fmt.Errorf("missing encoding for tag %c%c:%c in a CRAM compression header", tag.c1, tag.c2, tag.typ)
		}
		value, err := enc.decodeByteArray(slice)
		if err != nil {
			return err
		}
		if tag.c1 == 'N' && tag.c2 == 'M' {
			rec.EditDistance = decodeTagInt(tag.typ, value)
		}
	}
	return nil
}

// decodeTagInt interprets the raw bytes of an integer-typed tag value,
// returning -1 for malformed or non-integer values.
func decodeTagInt(typ byte, value []byte) int64 {
	switch typ {
	case 'c':
		if len(value) == 1 {
			return int64(int8(value[0]))
		}
	case 'C':
		if len(value) == 1 {
			return int64(value[0])
		}
	case 's':
		if len(value) == 2 {
			return int64(int16(binary.LittleEndian.Uint16(value)))
		}
	case 'S':
		if len(value) == 2 {
			return int64(binary.LittleEndian.Uint16(value))
		}
	case 'i':
		if len(value) == 4 {
			return int64(int32(binary.LittleEndian.Uint32(value)))
		}
	case 'I':
		if len(value) == 4 {
			return int64(binary.LittleEndian.Uint32(value))
		}
	}
	return -1
}

// decodeFeatures consumes the read features of a mapped record and
// rebuilds its edit script. Positions between features match the
// reference and become = operations; substitution features become X
// operations, so percent identity never needs the NM tag for CRAM
// input.
func (slice *sliceDecoder) decodeFeatures(rec *Record, cf int32) error {
	fn, err := slice.readInt("FN")
	if err != nil {
		return err
	}
	var cigar []CigarOperation
	appendOp := func(operation byte, length int32) {
		if length == 0 {
			return
		}
		if n := len(cigar); n > 0 && cigar[n-1].Operation == operation {
			cigar[n-1].Length += length
			return
		}
		cigar = append(cigar, CigarOperation{Length: length, Operation: operation})
	}
	var readPos int32    // read bases consumed so far
	var featurePos int32 // 1-based, delta-encoded across features
	for i := int32(0); i < fn; i++ {
		fc, err := slice.readByte("FC")
		if err != nil {
			return err
		}
		fp, err := slice.readInt("FP")
		if err != nil {
			return err
		}
		featurePos += fp
		if gap := featurePos - 1 - readPos; gap > 0 {
			appendOp('=', gap)
			readPos += gap
		} else if gap < 0 {
			return errors.New("out-of-order read feature in a CRAM record")
		}
		switch fc {
		case 'B':
			if _, err := slice.readByte("BA"); err != nil {
				return err
			}
			if _, err := slice.readByte("QS"); err != nil {
				return err
			}
			appendOp('M', 1)
			readPos++
		case 'X':
			if _, err := slice.readByte("BS"); err != nil {
				return err
			}
			appendOp('X', 1)
			readPos++
		case 'I':
			value, err := slice.readArray("IN")
			if err != nil {
				return err
			}
			appendOp('I', int32(len(value)))
			readPos += int32(len(value))
		case 'i':
			if _, err := slice.readByte("BA"); err != nil {
				return err
			}
			appendOp('I', 1)
			readPos++
		case 'b':
			value, err := slice.readArray("BB")
			if err != nil {
				return err
			}
			appendOp('M', int32(len(value)))
			readPos += int32(len(value))
		case 'q':
			if _, err := slice.readArray("QQ"); err != nil {
				return err
			}
		case 'Q':
			if _, err := slice.readByte("QS"); err != nil {
				return err
			}
		case 'S':
			value, err := slice.readArray("SC")
			if err != nil {
				return err
			}
			appendOp('S', int32(len(value)))
			readPos += int32(len(value))
		case 'D':
			length, err := slice.readInt("DL")
			if err != nil {
				return err
			}
			appendOp('D', length)
		case 'N':
			length, err := slice.readInt("RS")
			if err != nil {
				return err
			}
			appendOp('N', length)
		case 'H':
			length, err := slice.readInt("HC")
			if err != nil {
				return err
			}
			appendOp('H', length)
		case 'P':
			length, err := slice.readInt("PD")
			if err != nil {
				return err
			}
			appendOp('P', length)
		default:
			return fmt.Errorf("unknown read feature code %q in a CRAM record", fc)
		}
	}
	if tail := rec.SeqLen - readPos; tail > 0 {
		appendOp('=', tail)
	} else if tail < 0 {
		return errors.New("read features overrun the read length in a CRAM record")
	}
	rec.Cigar = cigar
	mq, err := slice.readInt("MQ")
	if err != nil {
		return err
	}
	rec.MapQ = byte(mq)
	if cf&cramQualityScoresStored != 0 {
		if err := slice.skipBytes("QS", rec.SeqLen); err != nil {
			return err
		}
	}
	return nil
}
