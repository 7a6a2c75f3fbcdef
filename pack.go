// Package vidpak implements the lossless frame codec used for 12-bit
// grayscale scientific video, and the Vidpak container files that carry
// packed frames.
//
// Frames are cut into tiles; each tile is delta coded against an
// average-of-neighbors prediction and entropy coded with a 16-bit FSE
// coder, falling back to storing the pixels raw when that is smaller.
// A packed frame is a table of per-tile byte lengths followed by the tiles.
package vidpak

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports an empty buffer, a zero stride, strides
	// that escape the supplied buffer, or a closed context.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTooSmall reports a destination too small for the worst-case frame.
	ErrTooSmall = errors.New("destination buffer too small")

	// ErrCorrupt reports packed data that cannot be decoded.
	ErrCorrupt = errors.New("corrupt packed frame")
)

// PackContext holds the temporary data used during pack and unpack
// operations for frames of a fixed geometry. Contexts are not safe for
// concurrent use; frames may be processed in parallel by giving each
// worker its own context.
type PackContext struct {
	width   int
	height  int
	bpp     int
	twidth  int
	theight int
	diff    []uint16 // differences of one tile while it is processed
	fse     ScratchU16
}

// NewPackContext creates a context to pack (or unpack) frames of the
// specified size, bits per pixel, and tile size. Only 12 bits per pixel is
// supported. Tiles may not exceed the frame; tiles on the right and bottom
// edges shrink when the frame size is not an exact multiple of the tile
// size.
func NewPackContext(width, height, bpp, twidth, theight int) (*PackContext, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: frame size %dx%d", ErrInvalidArgument, width, height)
	}
	if bpp != 12 {
		return nil, fmt.Errorf("%w: only 12 bits per pixel is supported, got %d", ErrInvalidArgument, bpp)
	}
	if twidth <= 0 || theight <= 0 {
		return nil, fmt.Errorf("%w: tile size %dx%d", ErrInvalidArgument, twidth, theight)
	}
	if twidth > width || theight > height {
		return nil, fmt.Errorf("%w: tile %dx%d exceeds frame %dx%d", ErrInvalidArgument, twidth, theight, width, height)
	}
	return &PackContext{
		width:   width,
		height:  height,
		bpp:     bpp,
		twidth:  twidth,
		theight: theight,
		diff:    make([]uint16, twidth*theight),
	}, nil
}

// Close releases the context's scratch buffers. The context must not be
// used afterwards.
func (c *PackContext) Close() {
	c.diff = nil
	c.fse = ScratchU16{}
}

// Width returns the frame width in pixels.
func (c *PackContext) Width() int { return c.width }

// Height returns the frame height in pixels.
func (c *PackContext) Height() int { return c.height }

// Bpp returns the bits per pixel.
func (c *PackContext) Bpp() int { return c.bpp }

// TileWidth returns the tile width in pixels.
func (c *PackContext) TileWidth() int { return c.twidth }

// TileHeight returns the tile height in pixels.
func (c *PackContext) TileHeight() int { return c.theight }

// tiles returns the dimensions of the tile grid.
func (c *PackContext) tiles() (nx, ny int) {
	return (c.width + c.twidth - 1) / c.twidth, (c.height + c.theight - 1) / c.theight
}

// MaxPackedSize returns the maximum possible size of a packed frame: the
// raw pixel data, assuming none of it could be compressed, plus the tile
// length table.
func (c *PackContext) MaxPackedSize() int {
	nx, ny := c.tiles()
	return c.width*c.height*2 + 4*nx*ny
}

// checkBounds verifies that every cell addressed by (off, dx, dy) over the
// frame lies inside a buffer of n cells.
func (c *PackContext) checkBounds(n, off, dx, dy int) error {
	lo, hi := off, off
	if ex := (c.width - 1) * dx; ex < 0 {
		lo += ex
	} else {
		hi += ex
	}
	if ex := (c.height - 1) * dy; ex < 0 {
		lo += ex
	} else {
		hi += ex
	}
	if lo < 0 || hi >= n {
		return fmt.Errorf("%w: strides reach outside the pixel buffer", ErrInvalidArgument)
	}
	return nil
}

// Pack packs a contiguous row-major frame into dst and returns the number
// of bytes written. dst must hold at least MaxPackedSize bytes. Only the
// low 12 bits of each source cell are significant.
func (c *PackContext) Pack(src []uint16, dst []byte) (int, error) {
	return c.PackStrided(src, 0, 1, c.width, dst)
}

// PackStrided packs a frame laid out with the given origin offset and
// strides: pixel (col, row) is read from src[off+row*dy+col*dx]. Strides
// are in cells and may be negative. Returns the number of bytes written
// to dst, which must hold at least MaxPackedSize bytes.
func (c *PackContext) PackStrided(src []uint16, off, dx, dy int, dst []byte) (int, error) {
	if c.diff == nil {
		return 0, fmt.Errorf("%w: context is closed", ErrInvalidArgument)
	}
	if len(src) == 0 || len(dst) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}
	if dx == 0 || dy == 0 {
		return 0, fmt.Errorf("%w: zero stride", ErrInvalidArgument)
	}
	if err := c.checkBounds(len(src), off, dx, dy); err != nil {
		return 0, err
	}
	if len(dst) < c.MaxPackedSize() {
		return 0, ErrTooSmall
	}

	// pack each tile individually, after a table of the size of each tile
	// in bytes so the unpacker knows where each tile's data is
	nx, ny := c.tiles()
	pos := 4 * nx * ny
	tile := 0
	for ty := 0; ty < c.height; ty += c.theight {
		for tx := 0; tx < c.width; tx += c.twidth {
			tw := min(c.twidth, c.width-tx)
			th := min(c.theight, c.height-ty)
			n, err := packTile(tw, th, c.diff, src, off+ty*dy+tx*dx, dx, dy, dst[pos:], &c.fse)
			if err != nil {
				return 0, err
			}
			binary.LittleEndian.PutUint32(dst[4*tile:], uint32(n))
			pos += n
			tile++
		}
	}
	return pos, nil
}

// Unpack unpacks a packed frame into a contiguous row-major dst. src must
// be exactly the bytes Pack returned for a frame of this geometry. Every
// cell written has its high 4 bits zero.
func (c *PackContext) Unpack(src []byte, dst []uint16) error {
	return c.UnpackStrided(src, dst, 0, 1, c.width)
}

// UnpackStrided unpacks a packed frame into dst laid out with the given
// origin offset and strides: pixel (col, row) is written to
// dst[off+row*dy+col*dx]. src must be exactly the bytes the packer
// returned; anything shorter or longer fails.
func (c *PackContext) UnpackStrided(src []byte, dst []uint16, off, dx, dy int) error {
	if c.diff == nil {
		return fmt.Errorf("%w: context is closed", ErrInvalidArgument)
	}
	if len(src) == 0 || len(dst) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}
	if dx == 0 || dy == 0 {
		return fmt.Errorf("%w: zero stride", ErrInvalidArgument)
	}
	if err := c.checkBounds(len(dst), off, dx, dy); err != nil {
		return err
	}

	nx, ny := c.tiles()
	pos := 4 * nx * ny
	if pos > len(src) {
		return fmt.Errorf("%w: missing tile table", ErrCorrupt)
	}
	tile := 0
	for ty := 0; ty < c.height; ty += c.theight {
		for tx := 0; tx < c.width; tx += c.twidth {
			n := int(binary.LittleEndian.Uint32(src[4*tile:]))
			if n == 0 || n > len(src)-pos {
				return fmt.Errorf("%w: bad length for tile %d", ErrCorrupt, tile)
			}
			tw := min(c.twidth, c.width-tx)
			th := min(c.theight, c.height-ty)
			err := unpackTile(tw, th, c.diff, src[pos:pos+n], dst, off+ty*dy+tx*dx, dx, dy, &c.fse)
			if err != nil {
				return fmt.Errorf("%w: tile %d: %v", ErrCorrupt, tile, err)
			}
			pos += n
			tile++
		}
	}
	if pos != len(src) {
		return fmt.Errorf("%w: %d trailing bytes after the last tile", ErrCorrupt, len(src)-pos)
	}
	return nil
}
