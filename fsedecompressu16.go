// Copyright 2018 Klaus Post. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Based on work Copyright (c) 2013, Yann Collet, released under BSD License.

package vidpak

import (
	"errors"
	"fmt"
)

// DecompressU16 decompresses a block produced by CompressU16 into dst,
// which must hold exactly the number of symbols that were compressed.
// Provide a Scratch buffer to avoid memory allocations.
//
// The bitstream must account for exactly len(dst) symbols; a shorter or
// longer stream is reported as corruption.
func DecompressU16(b []byte, dst []uint16, s *ScratchU16) error {
	if len(b) < 2 {
		return errors.New("compressed input too small")
	}
	if len(dst) == 0 {
		return errors.New("no output symbols expected")
	}
	s, err := s.prepare(nil, b)
	if err != nil {
		return err
	}
	if err := s.readNCount(); err != nil {
		return err
	}
	if err := s.buildDtable(); err != nil {
		return err
	}
	return s.decompress(dst)
}

// nCountReader reads the normalized-count header bit by bit, LSB first.
// Peeks past the end of the buffer are zero padded; corruption surfaces
// through the validation in readNCount.
type nCountReader struct {
	in  []byte
	pos uint // in bits
}

// peek returns at least the next 25 bits, LSB first.
func (r *nCountReader) peek() uint32 {
	off := r.pos >> 3
	var v uint32
	for i := uint(0); i < 4; i++ {
		if off+i < uint(len(r.in)) {
			v |= uint32(r.in[off+i]) << (8 * i)
		}
	}
	return v >> (r.pos & 7)
}

func (r *nCountReader) skip(n uint) { r.pos += n }

// consumed returns the number of whole bytes read so far.
func (r *nCountReader) consumed() int { return int((r.pos + 7) >> 3) }

// readNCount reads the normalized histogram written by writeCount and
// advances the input past it.
func (s *ScratchU16) readNCount() error {
	in := s.brDecomp.unread()
	if len(in) < 2 {
		return errors.New("input too small")
	}
	r := nCountReader{in: in}

	tableLog := uint8(r.peek()&0xF) + minTablelog
	r.skip(4)
	if tableLog > maxTableLog {
		return fmt.Errorf("tableLog (%d) > maxTableLog (%d)", tableLog, maxTableLog)
	}
	s.actualTableLog = tableLog

	var (
		remaining = int32(1<<tableLog) + 1
		threshold = int32(1 << tableLog)
		nbBits    = uint(tableLog + 1)
		charnum   uint32
		previous0 bool
	)
	for remaining > 1 {
		if previous0 {
			// runs of zero counts: 24 per 0xFFFF, 3 per "11" pair, then the rest
			n0 := charnum
			for r.peek()&0xFFFF == 0xFFFF {
				r.skip(16)
				n0 += 24
			}
			for r.peek()&3 == 3 {
				r.skip(2)
				n0 += 3
			}
			n0 += r.peek() & 3
			r.skip(2)
			if n0 > maxSymbolValue {
				return errors.New("maxSymbolValue too small")
			}
			for charnum < n0 {
				s.norm[charnum] = 0
				charnum++
			}
		}
		if charnum > maxSymbolValue {
			return errors.New("maxSymbolValue too small")
		}

		max := 2*threshold - 1 - remaining
		var count int32
		if v := int32(r.peek()) & (threshold - 1); v < max {
			count = v
			r.skip(nbBits - 1)
		} else {
			count = int32(r.peek()) & (2*threshold - 1)
			if count >= threshold {
				count -= max
			}
			r.skip(nbBits)
		}
		count-- // extra accuracy
		if count < 0 {
			remaining += count
		} else {
			remaining -= count
		}
		s.norm[charnum] = count
		charnum++
		previous0 = count == 0
		for remaining < threshold {
			nbBits--
			threshold >>= 1
		}
	}
	if remaining != 1 {
		return errors.New("corruption detected (invalid count total)")
	}
	s.symbolLen = charnum
	if s.symbolLen <= 1 {
		return fmt.Errorf("symbolLen (%d) too small", s.symbolLen)
	}
	if r.consumed() > len(in) {
		return errors.New("input too small")
	}
	s.brDecomp.advance(uint(r.consumed()))
	return nil
}

// buildDtable will build the decoding table from the normalized histogram.
func (s *ScratchU16) buildDtable() error {
	tableSize := uint32(1 << s.actualTableLog)
	highThreshold := tableSize - 1
	if cap(s.decTable) < int(tableSize) {
		s.decTable = make([]decSymbolU16, tableSize)
	}
	s.decTable = s.decTable[:tableSize]
	var symbolNext [maxSymbolValue + 1]uint32

	// Init, lay down lowprob symbols
	for i, v := range s.norm[:s.symbolLen] {
		if v == -1 {
			s.decTable[highThreshold].symbol = uint16(i)
			highThreshold--
			symbolNext[i] = 1
		} else {
			symbolNext[i] = uint32(v)
		}
	}

	// Spread symbols
	{
		tableMask := tableSize - 1
		step := tableStep(tableSize)
		var position uint32
		for ui, v := range s.norm[:s.symbolLen] {
			symbol := uint16(ui)
			for nbOccurrences := int32(0); nbOccurrences < v; nbOccurrences++ {
				s.decTable[position].symbol = symbol
				position = (position + step) & tableMask
				for position > highThreshold {
					position = (position + step) & tableMask
				} /* Low proba area */
			}
		}
		if position != 0 {
			// position must reach all cells once, otherwise normalizedCounter is incorrect
			return errors.New("corruption detected (position != 0)")
		}
	}

	// Build the decoding table
	for u := range s.decTable {
		symbol := s.decTable[u].symbol
		nextState := symbolNext[symbol]
		symbolNext[symbol] = nextState + 1
		nBits := s.actualTableLog - uint8(highBits(nextState))
		s.decTable[u].nbBits = nBits
		newState := (nextState << nBits) - tableSize
		if newState >= tableSize {
			return fmt.Errorf("newState (%d) outside table size (%d)", newState, tableSize)
		}
		s.decTable[u].newState = newState
	}
	return nil
}

// decoderU16 keeps track of the current state and updates it from the bitstream.
type decoderU16 struct {
	state uint32
	br    *bitReader
	dt    []decSymbolU16
}

// init initializes the decoder and reads the initial state.
func (d *decoderU16) init(in *bitReader, dt []decSymbolU16, tableLog uint8) {
	d.dt = dt
	d.br = in
	d.state = uint32(in.getBits(tableLog))
}

// next returns the next symbol and sets the next state.
func (d *decoderU16) next() uint16 {
	n := d.dt[d.state]
	lowBits := d.br.getBits(n.nbBits)
	d.state = n.newState + uint32(lowBits)
	return n.symbol
}

// decompress decodes exactly len(dst) symbols from the remaining input.
// The symbols were encoded last to first, so a single state decodes them
// back in natural order.
func (s *ScratchU16) decompress(dst []uint16) error {
	br := &s.bits
	if err := br.init(s.brDecomp.unread()); err != nil {
		return err
	}
	var d decoderU16
	d.init(br, s.decTable, s.actualTableLog)

	n := len(dst)
	i := 0
	for ; i < n-1; i += 2 {
		br.fill()
		dst[i] = d.next()
		dst[i+1] = d.next()
	}
	if i < n {
		br.fill()
		dst[i] = d.next()
	}
	if err := br.close(); err != nil {
		return err
	}
	if !br.finished() {
		return errors.New("corruption detected (trailing bitstream data)")
	}
	return nil
}
