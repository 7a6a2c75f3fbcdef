package vidpak

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Vidpak file layout:
//
//	"Vidpak", version u16 LE
//	width, height, bpp, tile width, tile height, metadata length: u32 LE
//	metadata bytes
//	per frame: timestamp u64 LE (microseconds), data size u32 LE,
//	           extra size u32 LE, packed frame bytes, extra bytes

const (
	fileMagic       = "Vidpak"
	fileVersion     = 2
	fileHeaderSize  = 32
	frameHeaderSize = 16
)

var (
	// ErrNoSuchFrame is returned when reading a frame index beyond the file.
	ErrNoSuchFrame = errors.New("frame does not exist")

	// ErrClosed is returned when using a closed reader or writer.
	ErrClosed = errors.New("vidpak file is closed")
)

type frameHeader struct {
	timestamp uint64 // time, in microseconds, that this frame was captured
	dataSize  uint32 // size, in bytes, of the frame data
	extraSize uint32 // size, in bytes, of any extra data
	dataPos   int64  // absolute position, in bytes, of the data in the file
}

// Writer packs and writes frames into a Vidpak file. The writer is not
// safe for concurrent use. Disk writes happen on a background goroutine
// with two alternating buffers, so packing the next frame overlaps writing
// the previous one.
type Writer struct {
	f   *os.File
	ctx *PackContext

	metadata []byte

	bufCurr []byte
	bufNext []byte

	jobs chan writeJob
	done chan struct{}

	mu   sync.Mutex
	werr error

	fileSize   int64
	frameCount int
	closed     bool
}

type writeJob struct {
	header [frameHeaderSize]byte
	data   []byte
	extra  []byte
	sync   chan error // when non-nil the job only synchronizes
}

// NewWriter creates a Vidpak file at path for frames of the given
// geometry, truncating any existing file. metadata is written verbatim
// after the header and read back by OpenReader; nil writes none.
func NewWriter(path string, width, height, bpp, twidth, theight int, metadata []byte) (*Writer, error) {
	ctx, err := NewPackContext(width, height, bpp, twidth, theight)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	var hdr [fileHeaderSize]byte
	copy(hdr[:], fileMagic)
	binary.LittleEndian.PutUint16(hdr[6:], fileVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(width))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(height))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(bpp))
	binary.LittleEndian.PutUint32(hdr[20:], uint32(twidth))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(theight))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(len(metadata)))
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		ctx.Close()
		return nil, err
	}
	if len(metadata) > 0 {
		if _, err := f.Write(metadata); err != nil {
			f.Close()
			ctx.Close()
			return nil, err
		}
	}

	w := &Writer{
		f:        f,
		ctx:      ctx,
		metadata: append([]byte(nil), metadata...),
		bufCurr:  make([]byte, ctx.MaxPackedSize()),
		bufNext:  make([]byte, ctx.MaxPackedSize()),
		jobs:     make(chan writeJob),
		done:     make(chan struct{}),
		fileSize: int64(fileHeaderSize + len(metadata)),
	}
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer close(w.done)
	for job := range w.jobs {
		if job.sync != nil {
			job.sync <- w.err()
			continue
		}
		if w.err() != nil {
			continue
		}
		if _, err := w.f.Write(job.header[:]); err != nil {
			w.setErr(err)
			continue
		}
		if _, err := w.f.Write(job.data); err != nil {
			w.setErr(err)
			continue
		}
		if len(job.extra) > 0 {
			if _, err := w.f.Write(job.extra); err != nil {
				w.setErr(err)
			}
		}
	}
}

func (w *Writer) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.werr
}

func (w *Writer) setErr(err error) {
	w.mu.Lock()
	if w.werr == nil {
		w.werr = err
	}
	w.mu.Unlock()
}

// WriteFrame packs a contiguous row-major frame and appends it to the
// file with the given timestamp in microseconds. extra is stored verbatim
// after the packed data and read back by ReadFrame; nil stores none.
func (w *Writer) WriteFrame(timestamp uint64, frame []uint16, extra []byte) error {
	return w.WriteFrameStrided(timestamp, frame, 0, 1, w.ctx.Width(), extra)
}

// WriteFrameStrided is WriteFrame for a frame laid out with the given
// origin offset and strides (see PackContext.PackStrided).
func (w *Writer) WriteFrameStrided(timestamp uint64, frame []uint16, off, dx, dy int, extra []byte) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.err(); err != nil {
		return err
	}
	n, err := w.ctx.PackStrided(frame, off, dx, dy, w.bufCurr)
	if err != nil {
		return err
	}

	var job writeJob
	binary.LittleEndian.PutUint64(job.header[0:], timestamp)
	binary.LittleEndian.PutUint32(job.header[8:], uint32(n))
	binary.LittleEndian.PutUint32(job.header[12:], uint32(len(extra)))
	job.data = w.bufCurr[:n]
	job.extra = append([]byte(nil), extra...)
	// The send returns once the worker has taken the job, which means the
	// write of the other buffer has finished and it is free to pack into.
	w.jobs <- job
	w.bufCurr, w.bufNext = w.bufNext, w.bufCurr

	w.fileSize += frameHeaderSize + int64(n) + int64(len(extra))
	w.frameCount++
	return nil
}

// Flush waits until the last frame has been completely handed to the
// operating system, so it can be seen by any open readers.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	ch := make(chan error)
	w.jobs <- writeJob{sync: ch}
	return <-ch
}

// Close finishes all pending writes and closes the file. It must be
// called, or the last frames may be lost.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.jobs)
	<-w.done
	err := w.err()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.ctx.Close()
	return err
}

// FileSize returns the current size of the output file in bytes. It may
// run ahead of the bytes actually on disk due to the asynchronous writes.
func (w *Writer) FileSize() int64 { return w.fileSize }

// FrameCount returns the number of frames written so far.
func (w *Writer) FrameCount() int { return w.frameCount }

// Metadata returns the metadata written with the file header.
func (w *Writer) Metadata() []byte { return w.metadata }

// Reader reads and unpacks frames from a Vidpak file. The reader is not
// safe for concurrent use. The next sequential frame is prefetched on a
// background goroutine so it is off disk by the time it is requested.
//
// In endless mode the reader never assumes the number of frames is fixed
// and will re-probe the file when a frame is not yet available. This is
// required when the file is still open for writing.
type Reader struct {
	f   *os.File
	ctx *PackContext

	version  uint16
	metadata []byte
	endless  bool

	mu       sync.Mutex // guards f, headers, counted, fileSize
	headers  []frameHeader
	counted  bool
	fileSize int64

	bufs     [2][]byte
	cur      int
	pending  chan prefetch
	inflight bool

	closed bool
}

type prefetch struct {
	index int
	buf   int
	hdr   frameHeader
	data  []byte
	extra []byte
	err   error
}

// OpenReader opens a Vidpak file for reading. With endless set, the frame
// count is never treated as final, so a file that is concurrently being
// written can be followed.
func OpenReader(path string, endless bool) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var hdr [fileHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, errors.New("truncated file header")
	}
	if string(hdr[:6]) != fileMagic {
		f.Close()
		return nil, errors.New("not a vidpak file")
	}
	version := binary.LittleEndian.Uint16(hdr[6:])
	switch version {
	case 1: // packed data compatible with version 2
	case fileVersion:
	default:
		f.Close()
		return nil, fmt.Errorf("unknown file version %d", version)
	}

	width := int(binary.LittleEndian.Uint32(hdr[8:]))
	height := int(binary.LittleEndian.Uint32(hdr[12:]))
	bpp := int(binary.LittleEndian.Uint32(hdr[16:]))
	twidth := int(binary.LittleEndian.Uint32(hdr[20:]))
	theight := int(binary.LittleEndian.Uint32(hdr[24:]))
	metaLen := binary.LittleEndian.Uint32(hdr[28:])
	metadata := make([]byte, metaLen)
	if _, err := io.ReadFull(f, metadata); err != nil {
		f.Close()
		return nil, errors.New("truncated file header")
	}

	ctx, err := NewPackContext(width, height, bpp, twidth, theight)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bad frame parameters: %w", err)
	}

	r := &Reader{
		f:        f,
		ctx:      ctx,
		version:  version,
		metadata: metadata,
		endless:  endless,
		fileSize: int64(fileHeaderSize) + int64(metaLen),
		pending:  make(chan prefetch, 1),
	}
	r.bufs[0] = make([]byte, ctx.MaxPackedSize())
	r.bufs[1] = make([]byte, ctx.MaxPackedSize())
	return r, nil
}

// scanHeader returns the header of the given frame, scanning forward from
// the last known frame. Called with mu held. A truncated trailing frame is
// treated as absent.
func (r *Reader) scanHeader(index int) (frameHeader, error) {
	if index < len(r.headers) {
		return r.headers[index], nil
	}
	if r.counted {
		return frameHeader{}, ErrNoSuchFrame
	}

	var hdr [frameHeaderSize]byte
	var last [1]byte
	off := r.fileSize
	for index >= len(r.headers) {
		if _, err := r.f.ReadAt(hdr[:], off); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return frameHeader{}, err
			}
			// header is incomplete; no more frames
			if !r.endless {
				r.counted = true
			}
			return frameHeader{}, ErrNoSuchFrame
		}
		h := frameHeader{
			timestamp: binary.LittleEndian.Uint64(hdr[0:]),
			dataSize:  binary.LittleEndian.Uint32(hdr[8:]),
			extraSize: binary.LittleEndian.Uint32(hdr[12:]),
			dataPos:   off + frameHeaderSize,
		}
		end := h.dataPos + int64(h.dataSize) + int64(h.extraSize)
		// see if the last byte of the frame can be read before believing it
		if _, err := r.f.ReadAt(last[:], end-1); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return frameHeader{}, err
			}
			if !r.endless {
				r.counted = true
			}
			return frameHeader{}, ErrNoSuchFrame
		}
		r.headers = append(r.headers, h)
		r.fileSize = end
		off = end
	}
	return r.headers[index], nil
}

// readPacked reads the packed bytes and extra data of a frame into buf.
func (r *Reader) readPacked(index int, buf []byte) (frameHeader, []byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hdr, err := r.scanHeader(index)
	if err != nil {
		return frameHeader{}, nil, nil, err
	}
	if int64(hdr.dataSize) > int64(len(buf)) {
		return frameHeader{}, nil, nil, fmt.Errorf("%w: frame %d larger than max packed size", ErrCorrupt, index)
	}
	data := buf[:hdr.dataSize]
	if _, err := r.f.ReadAt(data, hdr.dataPos); err != nil {
		return frameHeader{}, nil, nil, err
	}
	var extra []byte
	if hdr.extraSize > 0 {
		extra = make([]byte, hdr.extraSize)
		if _, err := r.f.ReadAt(extra, hdr.dataPos+int64(hdr.dataSize)); err != nil {
			return frameHeader{}, nil, nil, err
		}
	}
	return hdr, data, extra, nil
}

func (r *Reader) startPrefetch(index, buf int) {
	r.inflight = true
	go func() {
		pf := prefetch{index: index, buf: buf}
		pf.hdr, pf.data, pf.extra, pf.err = r.readPacked(index, r.bufs[buf])
		r.pending <- pf
	}()
}

// ReadFrame reads and unpacks the given frame into dst, a contiguous
// row-major buffer of width*height cells. It returns the frame's
// timestamp in microseconds and its extra data. Reading past the end of
// the file returns ErrNoSuchFrame. The frame at index+1 is prefetched.
func (r *Reader) ReadFrame(index int, dst []uint16) (uint64, []byte, error) {
	return r.ReadFrameStrided(index, dst, 0, 1, r.ctx.Width())
}

// ReadFrameStrided is ReadFrame for a destination laid out with the given
// origin offset and strides (see PackContext.UnpackStrided).
func (r *Reader) ReadFrameStrided(index int, dst []uint16, off, dx, dy int) (uint64, []byte, error) {
	if r.closed {
		return 0, nil, ErrClosed
	}
	if index < 0 {
		return 0, nil, fmt.Errorf("%w: negative frame index", ErrInvalidArgument)
	}

	var pf prefetch
	pf.index = -1
	if r.inflight {
		pf = <-r.pending
		r.inflight = false
	}
	if pf.index != index || pf.err != nil {
		pf.index = index
		pf.buf = r.cur
		pf.hdr, pf.data, pf.extra, pf.err = r.readPacked(index, r.bufs[r.cur])
		if pf.err != nil {
			return 0, nil, pf.err
		}
	}
	// prefetch the next frame into the other buffer while this one is
	// being unpacked
	r.cur = pf.buf
	r.startPrefetch(index+1, 1-pf.buf)

	if err := r.ctx.UnpackStrided(pf.data, dst, off, dx, dy); err != nil {
		return 0, nil, err
	}
	return pf.hdr.timestamp, pf.extra, nil
}

// CountFrames counts and returns the total number of frames in the file,
// scanning every remaining frame header. In endless mode the count is a
// lower bound; more frames may appear as the writer continues.
func (r *Reader) CountFrames() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counted && !r.endless {
		return len(r.headers), nil
	}
	r.counted = false
	for {
		if _, err := r.scanHeader(len(r.headers) + 1000); err != nil {
			if errors.Is(err, ErrNoSuchFrame) {
				return len(r.headers), nil
			}
			return 0, err
		}
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.inflight {
		<-r.pending
		r.inflight = false
	}
	r.ctx.Close()
	return r.f.Close()
}

// Width returns the frame width in pixels.
func (r *Reader) Width() int { return r.ctx.Width() }

// Height returns the frame height in pixels.
func (r *Reader) Height() int { return r.ctx.Height() }

// Bpp returns the bits per pixel of each frame.
func (r *Reader) Bpp() int { return r.ctx.Bpp() }

// TileWidth returns the tile width in pixels.
func (r *Reader) TileWidth() int { return r.ctx.TileWidth() }

// TileHeight returns the tile height in pixels.
func (r *Reader) TileHeight() int { return r.ctx.TileHeight() }

// Version returns the file format version.
func (r *Reader) Version() uint16 { return r.version }

// Metadata returns the metadata stored in the file header.
func (r *Reader) Metadata() []byte { return r.metadata }

// FileSize returns the number of file bytes covered by the frames scanned
// so far.
func (r *Reader) FileSize() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileSize
}
