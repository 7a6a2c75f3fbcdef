// Copyright 2018 Klaus Post. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Based on work Copyright (c) 2013, Yann Collet, released under BSD License.

package vidpak

// byteReaderU16 provides a reader over a 16-bit symbol stream.
// The input stream is manually advanced.
// The reader performs no bounds checks.
type byteReaderU16 struct {
	b   []uint16
	off int
}

// init will initialize the reader and set the input.
func (b *byteReaderU16) init(in []uint16) {
	b.b = in
	b.off = 0
}

// remain will return the number of symbols remaining.
func (b byteReaderU16) remain() int {
	return len(b.b) - b.off
}

// byteReader provides a byte reader that reads
// little endian values from a byte stream.
// The input stream is manually advanced.
// The reader performs no bounds checks.
type byteReader struct {
	b   []byte
	off int
}

// init will initialize the reader and set the input.
func (b *byteReader) init(in []byte) {
	b.b = in
	b.off = 0
}

// advance the position n bytes.
func (b *byteReader) advance(n uint) {
	b.off += int(n)
}

// unread returns the unread portion of the input.
func (b byteReader) unread() []byte {
	return b.b[b.off:]
}

// remain will return the number of bytes remaining.
func (b byteReader) remain() int {
	return len(b.b) - b.off
}
