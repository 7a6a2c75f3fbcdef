// Copyright 2018 Klaus Post. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Based on work Copyright (c) 2013, Yann Collet, released under BSD License.

package vidpak

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	/*!MEMORY_USAGE :
	 *  Memory usage formula : N->2^N Bytes (examples : 10 -> 1KB; 12 -> 4KB ; 16 -> 64KB; 20 -> 1MB; etc.)
	 *  Increasing memory usage improves compression ratio
	 *  Reduced memory usage can improve speed, due to cache effect */
	maxMemoryUsage     = 18
	defaultMemoryUsage = 13

	maxTableLog     = maxMemoryUsage - 2
	maxTablesize    = 1 << maxTableLog
	defaultTablelog = defaultMemoryUsage - 2
	minTablelog     = 5

	// Symbols are 12-bit deltas, so the count and transform tables only
	// cover that range.
	maxSymbolValue = 4095
)

var (
	// ErrIncompressible is returned when input is judged to be too hard to compress.
	ErrIncompressible = errors.New("input is not compressible")

	// ErrUseRLE is returned from the compressor when the input is a single value repeated.
	ErrUseRLE = errors.New("input is single value repeated")
)

// symbolTransformU16 contains the state transform for a symbol.
type symbolTransformU16 struct {
	deltaFindState int32
	deltaNbBits    uint32
}

// decSymbolU16 contains information about a state entry,
// including the next state base, the output symbol and
// the number of bits to read for the low part of the next state.
type decSymbolU16 struct {
	newState uint32
	symbol   uint16
	nbBits   uint8
}

// cTableU16 contains tables used for compression.
type cTableU16 struct {
	tableSymbol []uint16
	stateTable  []uint32
	symbolTT    []symbolTransformU16
}

// ScratchU16 provides temporary storage for compression and decompression.
// A pack context owns one and reuses it across every tile of every frame.
type ScratchU16 struct {
	count [maxSymbolValue + 1]uint32
	norm  [maxSymbolValue + 1]int32

	br       byteReaderU16
	brDecomp byteReader
	bits     bitReader
	bw       bitWriter

	ct       cTableU16      // Compression tables.
	decTable []decSymbolU16 // Decompression table.
	maxCount int            // always zero: CompressU16 recounts every block and resets it

	// Out is the output buffer, reused between compression calls.
	// The slice returned by CompressU16 aliases it.
	Out []byte

	symbolLen      uint32 // Length of active part of the symbol table.
	actualTableLog uint8  // Selected tablelog.
	zeroBits       bool   // some symbol has prob > 50%, so 0-bit outputs are possible.
	clearCount     bool   // clear count

	// MaxSymbolValue will override the maximum symbol value of the next block.
	MaxSymbolValue uint16

	// TableLog will attempt to override the tablelog for the next block.
	// Zero selects the default.
	TableLog uint8
}

// prepare will prepare and allocate scratch tables used for both compression and decompression.
func (s *ScratchU16) prepare(inForComp []uint16, inForDecomp []byte) (*ScratchU16, error) {
	if s == nil {
		s = &ScratchU16{}
	}
	if s.MaxSymbolValue == 0 {
		s.MaxSymbolValue = maxSymbolValue
	}
	if s.MaxSymbolValue > maxSymbolValue {
		return nil, fmt.Errorf("maxSymbolValue (%d) > %d", s.MaxSymbolValue, maxSymbolValue)
	}
	if s.TableLog == 0 {
		s.TableLog = defaultTablelog
	}
	if s.TableLog > maxTableLog {
		return nil, fmt.Errorf("tableLog (%d) > maxTableLog (%d)", s.TableLog, maxTableLog)
	}
	if inForComp != nil {
		if cap(s.Out) == 0 {
			s.Out = make([]byte, 0, len(inForComp)*2)
		}
		s.br.init(inForComp)
	} else if inForDecomp != nil {
		s.brDecomp.init(inForDecomp)
	}
	if s.clearCount && s.maxCount == 0 {
		for i := range s.count {
			s.count[i] = 0
		}
		s.clearCount = false
	}
	return s, nil
}

// tableStep returns the next table index.
func tableStep(tableSize uint32) uint32 {
	return (tableSize >> 1) + (tableSize >> 3) + 3
}

func highBits(val uint32) (n uint32) {
	return uint32(bits.Len32(val) - 1)
}
