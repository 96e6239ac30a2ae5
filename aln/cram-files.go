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
	"bytes"
	"compress/bzip2"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/exascience/pargo/pipeline"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// cramMagic is the magic string for the CRAM format. See
// https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 6.
const cramMagic = "CRAM"

// eofPosition is the alignment start of the special EOF container that
// terminates every intact CRAM file.
const eofPosition = 4542278

// CRAM block content types.
const (
	blockFileHeader        = 0
	blockCompressionHeader = 1
	blockMappedSlice       = 2
	blockUnmappedSlice     = 3
	blockExternal          = 4
	blockCore              = 5
)

// CRAM block compression methods.
const (
	methodRaw   = 0
	methodGzip  = 1
	methodBzip2 = 2
	methodLzma  = 3
	methodRans  = 4
)

// CRAM per-record compression bit flags (the CF data series).
const (
	cramQualityScoresStored = 0x1
	cramDetached            = 0x2
	cramHasMateDownstream   = 0x4
	cramUnknownBases        = 0x8
)

type (
	// cramBlock is one block inside a CRAM container. After the
	// decompression stage of the pipeline, data holds the raw content.
	cramBlock struct {
		method      byte
		contentType byte
		contentID   int32
		rawSize     int32
		data        []byte
	}

	// cramContainer is one CRAM container: its header fields and its
	// blocks, tagged with its position in the file through the
	// pipeline's sequence numbers.
	cramContainer struct {
		refSeqID  int32
		start     int32
		span      int32
		nRecords  int32
		counter   int64
		bases     int64
		landmarks []int32
		blocks    []*cramBlock
	}

	// cramReader decodes CRAM records. Containers are read
	// sequentially, their blocks decompressed by a pool of workers,
	// and reassembled in input order before record decoding, which
	// runs entirely on the consumer side.
	cramReader struct {
		err     error
		name    string
		rc      *os.File
		crc     *crcReader
		p       pipeline.Pipeline
		w       sync.WaitGroup
		channel chan *cramContainer
		ctx     context.Context
		cancel  func()
		data    interface{}

		// consumer-side state
		hdr    *compressionHeader
		blocks []*cramBlock
		next   int
		slice  *sliceDecoder
		count  int64
	}

	internalCramReader cramReader
)

// crcReader wraps the buffered input and maintains a running CRC-32
// over everything read through it, so that container and block
// checksums can be verified without retaining raw bytes.
type crcReader struct {
	r   *bufio.Reader
	crc uint32
}

func (c *crcReader) reset() { c.crc = 0 }

func (c *crcReader) sum() uint32 { return c.crc }

// ReadByte implements the corresponding method of io.ByteReader.
func (c *crcReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	var buf [1]byte
	buf[0] = b
	c.crc = crc32.Update(c.crc, crc32.IEEETable, buf[:])
	return b, nil
}

// Read implements the corresponding method of io.Reader.
func (c *crcReader) Read(p []byte) (n int, err error) {
	n, err = c.r.Read(p)
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p[:n])
	return
}

// storedCRC reads a stored 4-byte checksum, bypassing the running CRC.
func (c *crcReader) storedCRC() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func newCramReader(name string, buf *bufio.Reader, file *os.File, threads int) (*cramReader, error) {
	// file definition: magic, major and minor version, 20-byte file id
	definition := make([]byte, 26)
	if _, err := io.ReadFull(buf, definition); err != nil {
		return nil, &InputError{Path: name, Err: fmt.Errorf("%v while reading the CRAM file definition", err)}
	}
	if string(definition[:4]) != cramMagic {
		return nil, &InputError{Path: name, Err: errors.New("invalid CRAM file definition")}
	}
	if major := definition[4]; major != 3 {
		return nil, &InputError{Path: name, Err: fmt.Errorf("unsupported CRAM version %v.%v", major, definition[5])}
	}
	ctx, cancel := context.WithCancel(context.Background())
	reader := &cramReader{
		name:    name,
		rc:      file,
		crc:     &crcReader{r: buf},
		channel: make(chan *cramContainer, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if threads < 0 {
		threads = 0
	}
	reader.p.Source((*internalCramReader)(reader))
	reader.p.Add(pipeline.LimitedPar(threads, pipeline.Receive(func(_ int, data interface{}) interface{} {
		c := data.(*cramContainer)
		for _, block := range c.blocks {
			if err := decompressCramBlock(block); err != nil {
				reader.p.SetErr(err)
				return c
			}
		}
		return c
	})), pipeline.StrictOrd(pipeline.ReceiveAndFinalize(func(_ int, data interface{}) interface{} {
		select {
		case <-reader.ctx.Done():
		case reader.channel <- data.(*cramContainer):
		}
		return nil
	}, func() {
		close(reader.channel)
	})))
	reader.w.Add(1)
	go func() {
		defer reader.w.Done()
		reader.p.Run()
	}()
	return reader, nil
}

// Err implements the corresponding method of pipeline.Source
func (reader *internalCramReader) Err() error {
	if reader.err != io.EOF {
		return reader.err
	}
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (reader *internalCramReader) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (reader *internalCramReader) Fetch(size int) (fetched int) {
	if reader.err != nil {
		return 0
	}
	c, err := reader.readContainer()
	if err != nil {
		reader.err = err
		reader.data = nil
		return 0
	}
	reader.data = c
	return 1
}

// Data implements the corresponding method of pipeline.Source
func (reader *internalCramReader) Data() interface{} {
	return reader.data
}

// readContainer reads one container header and its still-compressed
// blocks, verifying the header checksum. It returns io.EOF when the
// special EOF container is reached.
func (reader *internalCramReader) readContainer() (*cramContainer, error) {
	cr := reader.crc
	cr.reset()
	var lengthBuf [4]byte
	if _, err := io.ReadFull(cr, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, errors.New("truncated CRAM file: missing EOF container")
		}
		return nil, err
	}
	c := new(cramContainer)
	var err error
	if c.refSeqID, err = readITF8(cr); err != nil {
		return nil, err
	}
	if c.start, err = readITF8(cr); err != nil {
		return nil, err
	}
	if c.span, err = readITF8(cr); err != nil {
		return nil, err
	}
	if c.nRecords, err = readITF8(cr); err != nil {
		return nil, err
	}
	if c.counter, err = readLTF8(cr); err != nil {
		return nil, err
	}
	if c.bases, err = readLTF8(cr); err != nil {
		return nil, err
	}
	nBlocks, err := readITF8(cr)
	if err != nil {
		return nil, err
	}
	nLandmarks, err := readITF8(cr)
	if err != nil {
		return nil, err
	}
	c.landmarks = make([]int32, nLandmarks)
	for i := range c.landmarks {
		if c.landmarks[i], err = readITF8(cr); err != nil {
			return nil, err
		}
	}
	sum := cr.sum()
	stored, err := cr.storedCRC()
	if err != nil {
		return nil, err
	}
	if sum != stored {
		return nil, errors.New("invalid CRC-32 value for a container header in a CRAM file")
	}
	if c.refSeqID == -1 && c.start == eofPosition && c.nRecords == 0 {
		return nil, io.EOF
	}
	c.blocks = make([]*cramBlock, nBlocks)
	for i := range c.blocks {
		if c.blocks[i], err = reader.readBlock(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// readBlock reads one still-compressed block, verifying its checksum.
func (reader *internalCramReader) readBlock() (*cramBlock, error) {
	cr := reader.crc
	cr.reset()
	block := new(cramBlock)
	var err error
	if block.method, err = cr.ReadByte(); err != nil {
		return nil, err
	}
	if block.contentType, err = cr.ReadByte(); err != nil {
		return nil, err
	}
	if block.contentID, err = readITF8(cr); err != nil {
		return nil, err
	}
	compressedSize, err := readITF8(cr)
	if err != nil {
		return nil, err
	}
	if block.rawSize, err = readITF8(cr); err != nil {
		return nil, err
	}
	if compressedSize < 0 || block.rawSize < 0 {
		return nil, errors.New("negative block size in a CRAM file")
	}
	block.data = make([]byte, compressedSize)
	if _, err := io.ReadFull(cr, block.data); err != nil {
		return nil, err
	}
	sum := cr.sum()
	stored, err := cr.storedCRC()
	if err != nil {
		return nil, err
	}
	if sum != stored {
		return nil, errors.New("invalid CRC-32 value for a block in a CRAM file")
	}
	return block, nil
}

// decompressCramBlock replaces a block's compressed data with its raw
// content. This is the parallel stage of the pipeline.
func decompressCramBlock(block *cramBlock) error {
	switch block.method {
	case methodRaw:
		if int32(len(block.data)) != block.rawSize {
			return errors.New("size mismatch for an uncompressed block in a CRAM file")
		}
		return nil
	case methodGzip:
		gz, err := gzip.NewReader(bytes.NewReader(block.data))
		if err != nil {
			return err
		}
		out := make([]byte, block.rawSize)
		if _, err := io.ReadFull(gz, out); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}
		block.data = out
		return nil
	case methodBzip2:
		out := make([]byte, block.rawSize)
		if _, err := io.ReadFull(bzip2.NewReader(bytes.NewReader(block.data)), out); err != nil {
			return err
		}
		block.data = out
		return nil
	case methodLzma:
		lz, err := xz.NewReader(bytes.NewReader(block.data))
		if err != nil {
			return err
		}
		out := make([]byte, block.rawSize)
		if _, err := io.ReadFull(lz, out); err != nil {
			return err
		}
		block.data = out
		return nil
	case methodRans:
		out, err := ransDecode(block.data, int(block.rawSize))
		if err != nil {
			return err
		}
		block.data = out
		return nil
	default:
		return fmt.Errorf("unsupported CRAM block compression method %v", block.method)
	}
}

func (reader *cramReader) fetchContainer() (*cramContainer, error) {
	select {
	case <-reader.ctx.Done():
		if reader.err != nil {
			return nil, reader.err
		}
		return nil, reader.ctx.Err()
	case c, ok := <-reader.channel:
		if !ok {
			if err := reader.p.Err(); err != nil {
				return nil, err
			}
			return nil, reader.err
		}
		return c, nil
	}
}

// Read implements the corresponding method of the Reader interface.
func (reader *cramReader) Read() (*Record, error) {
	for {
		if reader.slice != nil {
			if reader.slice.remaining > 0 {
				rec, err := reader.slice.decodeRecord()
				if err != nil {
					return nil, &DecodeError{Record: reader.count, Err: err}
				}
				reader.slice.remaining--
				reader.count++
				return rec, nil
			}
			reader.slice = nil
		}
		if reader.blocks != nil && reader.next < len(reader.blocks) {
			slice, err := reader.nextSlice()
			if err != nil {
				return nil, &DecodeError{Record: reader.count, Err: err}
			}
			reader.slice = slice
			continue
		}
		reader.blocks = nil
		c, err := reader.fetchContainer()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &InputError{Path: reader.name, Err: err}
		}
		if len(c.blocks) == 0 {
			continue
		}
		if c.blocks[0].contentType == blockFileHeader {
			// the header container carries the SAM header text, which
			// the metrics never look at
			continue
		}
		if c.blocks[0].contentType != blockCompressionHeader {
			return nil, &DecodeError{Record: reader.count, Err: errors.New("missing compression header block in a CRAM container")}
		}
		hdr, err := parseCompressionHeader(c.blocks[0].data)
		if err != nil {
			return nil, &DecodeError{Record: reader.count, Err: err}
		}
		reader.hdr = hdr
		reader.blocks = c.blocks
		reader.next = 1
	}
}

// nextSlice assembles the decoder for the next slice in the current
// container: its header block, its core block, and its external
// blocks keyed by content id.
func (reader *cramReader) nextSlice() (*sliceDecoder, error) {
	sliceHeader := reader.blocks[reader.next]
	if sliceHeader.contentType != blockMappedSlice && sliceHeader.contentType != blockUnmappedSlice {
		return nil, fmt.Errorf("unexpected block content type %v where a slice header was expected in a CRAM container", sliceHeader.contentType)
	}
	r := &byteReader{data: sliceHeader.data}
	var err error
	slice := &sliceDecoder{
		hdr:      reader.hdr,
		external: make(map[int32]*byteReader),
	}
	if slice.refSeqID, err = readITF8(r); err != nil {
		return nil, err
	}
	if _, err = readITF8(r); err != nil { // alignment start
		return nil, err
	}
	if _, err = readITF8(r); err != nil { // alignment span
		return nil, err
	}
	if slice.remaining, err = readITF8(r); err != nil {
		return nil, err
	}
	if _, err = readLTF8(r); err != nil { // record counter
		return nil, err
	}
	nBlocks, err := readITF8(r)
	if err != nil {
		return nil, err
	}
	// the content id list, the embedded reference id, and the MD5 also
	// follow in the slice header, but the block scan below recovers
	// everything the decoder needs
	if reader.next+1+int(nBlocks) > len(reader.blocks) {
		return nil, errors.New("truncated slice in a CRAM container")
	}
	for _, block := range reader.blocks[reader.next+1 : reader.next+1+int(nBlocks)] {
		switch block.contentType {
		case blockCore:
			slice.core = &bitReader{data: block.data}
		case blockExternal:
			slice.external[block.contentID] = &byteReader{data: block.data}
		default:
			return nil, fmt.Errorf("unexpected block content type %v inside a slice in a CRAM container", block.contentType)
		}
	}
	if slice.core == nil {
		slice.core = &bitReader{}
	}
	reader.next += 1 + int(nBlocks)
	return slice, nil
}

// Close implements the corresponding method of the Reader interface.
func (reader *cramReader) Close() error {
	reader.cancel()
	reader.w.Wait()
	err := reader.p.Err()
	if reader.rc != os.Stdin {
		if cerr := reader.rc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
