package vidpak

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func mustContext(t *testing.T, w, h, tw, th int) *PackContext {
	t.Helper()
	ctx, err := NewPackContext(w, h, 12, tw, th)
	if err != nil {
		t.Fatalf("NewPackContext(%d, %d, 12, %d, %d): %v", w, h, tw, th, err)
	}
	t.Cleanup(ctx.Close)
	return ctx
}

// packFrame packs src and checks the frame-level invariants: the packed
// size is within bounds and agrees with the tile length table.
func packFrame(t *testing.T, ctx *PackContext, src []uint16) []byte {
	t.Helper()
	dst := make([]byte, ctx.MaxPackedSize())
	n, err := ctx.Pack(src, dst)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if n > ctx.MaxPackedSize() {
		t.Fatalf("packed %d bytes > max packed size %d", n, ctx.MaxPackedSize())
	}
	nx, ny := ctx.tiles()
	total := 4 * nx * ny
	for i := 0; i < nx*ny; i++ {
		total += int(binary.LittleEndian.Uint32(dst[4*i:]))
	}
	if total != n {
		t.Fatalf("table total %d != packed size %d", total, n)
	}
	return dst[:n]
}

// roundTrip packs src and unpacks it again, requiring bit-exact output.
func roundTrip(t *testing.T, ctx *PackContext, src []uint16) []byte {
	t.Helper()
	packed := packFrame(t, ctx, src)
	out := make([]uint16, len(src))
	for i := range out {
		out[i] = 0xFFFF
	}
	if err := ctx.Unpack(packed, out); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	for i := range src {
		if out[i] != src[i]&0xFFF {
			t.Fatalf("pixel %d: got %#x, want %#x", i, out[i], src[i]&0xFFF)
		}
	}
	return packed
}

func randomFrame(r *rand.Rand, n int) []uint16 {
	f := make([]uint16, n)
	for i := range f {
		f[i] = uint16(r.Intn(4096))
	}
	return f
}

// smoothFrame produces sensor-like data with small local changes.
func smoothFrame(r *rand.Rand, w, h int) []uint16 {
	f := make([]uint16, w*h)
	v := 2048
	for i := range f {
		v += r.Intn(9) - 4
		if v < 0 {
			v = 0
		}
		if v > 4095 {
			v = 4095
		}
		f[i] = uint16(v)
	}
	return f
}

func TestAllZerosSingleTile(t *testing.T) {
	ctx := mustContext(t, 8, 8, 8, 8)
	src := make([]uint16, 64)
	dst := make([]byte, ctx.MaxPackedSize())
	n, err := ctx.Pack(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	// 4 table bytes, 4 slice start pixels, one constant delta
	if n != 14 {
		t.Fatalf("packed %d bytes, want 14", n)
	}
	out := make([]uint16, 64)
	for i := range out {
		out[i] = 0xFFFF
	}
	if err := ctx.Unpack(dst[:n], out); err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("pixel %d = %#x, want 0", i, v)
		}
	}
}

func TestHorizontalRamp(t *testing.T) {
	const w, h = 16, 8
	ctx := mustContext(t, w, h, w, h)
	src := make([]uint16, w*h)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			src[r*w+c] = uint16(c)
		}
	}
	roundTrip(t, ctx, src)
}

func TestUncompressibleNoise(t *testing.T) {
	const w, h = 32, 16
	ctx := mustContext(t, w, h, w, h)
	src := randomFrame(rand.New(rand.NewSource(7)), w*h)
	packed := roundTrip(t, ctx, src)
	tileLen := int(binary.LittleEndian.Uint32(packed))
	if tileLen > 2*w*h {
		t.Fatalf("tile length %d exceeds the raw encoding %d", tileLen, 2*w*h)
	}
}

func TestNonMultipleTileGrid(t *testing.T) {
	ctx := mustContext(t, 10, 7, 4, 4)
	src := randomFrame(rand.New(rand.NewSource(8)), 10*7)
	roundTrip(t, ctx, src)
}

func TestShortTile(t *testing.T) {
	// th < 4 bypasses the main rows loop entirely
	ctx := mustContext(t, 16, 2, 16, 2)
	src := smoothFrame(rand.New(rand.NewSource(9)), 16, 2)
	roundTrip(t, ctx, src)
}

func TestConstantTileShortcut(t *testing.T) {
	for _, th := range []int{1, 2, 3, 4, 8} {
		ctx := mustContext(t, 8, th, 8, th)
		src := make([]uint16, 8*th)
		for i := range src {
			src[i] = 1234
		}
		packed := roundTrip(t, ctx, src)
		s := th
		if s > 4 {
			s = 4
		}
		tileLen := int(binary.LittleEndian.Uint32(packed))
		if tileLen != 2*s+2 {
			t.Errorf("th=%d: constant tile length %d, want %d", th, tileLen, 2*s+2)
		}
	}
}

func TestGeometrySweep(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	cases := []struct{ w, h, tw, th int }{
		{1, 1, 1, 1},
		{1, 7, 1, 3},
		{7, 1, 3, 1},
		{2, 1, 2, 1},
		{1, 5, 1, 5},
		{5, 1, 5, 1},
		{3, 2, 3, 2},
		{64, 48, 16, 16},
		{63, 47, 16, 16},
		{33, 5, 32, 4},
		{8, 64, 8, 5},
		{17, 17, 17, 17},
	}
	for _, tc := range cases {
		ctx := mustContext(t, tc.w, tc.h, tc.tw, tc.th)
		roundTrip(t, ctx, randomFrame(r, tc.w*tc.h))
		roundTrip(t, ctx, smoothFrame(r, tc.w, tc.h))
	}
}

func TestHighNibbleCleanliness(t *testing.T) {
	const w, h = 24, 12
	ctx := mustContext(t, w, h, 8, 8)
	r := rand.New(rand.NewSource(11))
	src := make([]uint16, w*h)
	for i := range src {
		// garbage in the high nibble must not reach the wire or the output
		src[i] = uint16(r.Intn(65536))
	}
	packed := packFrame(t, ctx, src)
	out := make([]uint16, w*h)
	for i := range out {
		out[i] = 0xFFFF
	}
	if err := ctx.Unpack(packed, out); err != nil {
		t.Fatal(err)
	}
	for i := range out {
		if out[i]&0xF000 != 0 {
			t.Fatalf("pixel %d = %#x has high bits set", i, out[i])
		}
		if out[i] != src[i]&0xFFF {
			t.Fatalf("pixel %d = %#x, want %#x", i, out[i], src[i]&0xFFF)
		}
	}
}

func TestContextReuseIsIdempotent(t *testing.T) {
	const w, h = 40, 30
	ctx := mustContext(t, w, h, 16, 8)
	r := rand.New(rand.NewSource(12))
	src := smoothFrame(r, w, h)

	first := append([]byte(nil), packFrame(t, ctx, src)...)
	// interleave another frame to dirty the scratch state
	roundTrip(t, ctx, randomFrame(r, w*h))
	second := packFrame(t, ctx, src)
	if !bytes.Equal(first, second) {
		t.Fatalf("packing the same frame twice gave different bytes (%d vs %d)", len(first), len(second))
	}

	out1 := make([]uint16, w*h)
	out2 := make([]uint16, w*h)
	if err := ctx.Unpack(first, out1); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Unpack(second, out2); err != nil {
		t.Fatal(err)
	}
	for i := range out1 {
		if out1[i] != out2[i] {
			t.Fatalf("decoding the same frame twice differs at pixel %d", i)
		}
	}
}

func TestExactLengthDecode(t *testing.T) {
	const w, h = 32, 24
	ctx := mustContext(t, w, h, 16, 8)
	src := smoothFrame(rand.New(rand.NewSource(13)), w, h)
	packed := roundTrip(t, ctx, src)
	out := make([]uint16, w*h)

	if err := ctx.Unpack(packed[:len(packed)-1], out); err == nil {
		t.Error("decode with length-1 succeeded")
	}
	longer := append(append([]byte(nil), packed...), 0)
	if err := ctx.Unpack(longer, out); err == nil {
		t.Error("decode with length+1 succeeded")
	}
	if err := ctx.Unpack(packed[:len(packed)/2], out); err == nil {
		t.Error("decode of a truncated frame succeeded")
	}
	if err := ctx.Unpack(packed[:2], out); err == nil {
		t.Error("decode without a full tile table succeeded")
	}
}

func TestNegativeStrides(t *testing.T) {
	const w, h = 20, 14
	ctx := mustContext(t, w, h, 8, 4)
	src := smoothFrame(rand.New(rand.NewSource(14)), w, h)

	// walk the buffer bottom-up, right-to-left
	off := (h-1)*w + (w - 1)
	dst := make([]byte, ctx.MaxPackedSize())
	n, err := ctx.PackStrided(src, off, -1, -w, dst)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]uint16, w*h)
	if err := ctx.UnpackStrided(dst[:n], out, off, -1, -w); err != nil {
		t.Fatal(err)
	}
	for i := range src {
		if out[i] != src[i] {
			t.Fatalf("pixel %d: got %#x, want %#x", i, out[i], src[i])
		}
	}

	// the rotated view packs to the same frame a rotated source packs to
	rot := make([]uint16, w*h)
	for i := range src {
		rot[i] = src[len(src)-1-i]
	}
	m, err := ctx.Pack(rot, dst)
	if err != nil {
		t.Fatal(err)
	}
	packed := make([]byte, ctx.MaxPackedSize())
	k, err := ctx.PackStrided(src, off, -1, -w, packed)
	if err != nil {
		t.Fatal(err)
	}
	if k != m || !bytes.Equal(dst[:m], packed[:k]) {
		t.Fatal("negative-stride view and rotated copy packed differently")
	}
}

func TestStridedPlanarLayout(t *testing.T) {
	const w, h, planes = 64, 64, 3
	const stride = planes * w
	ctx := mustContext(t, w, h, 16, 16)
	r := rand.New(rand.NewSource(15))

	// three planes side by side in one buffer, at column offsets 0, 64, 128
	buf := make([]uint16, stride*h)
	for p := 0; p < planes; p++ {
		for row := 0; row < h; row++ {
			for col := 0; col < w; col++ {
				buf[row*stride+p*w+col] = uint16(r.Intn(4096))
			}
		}
	}

	out := make([]uint16, stride*h)
	dst := make([]byte, ctx.MaxPackedSize())
	for p := 0; p < planes; p++ {
		n, err := ctx.PackStrided(buf, p*w, 1, stride, dst)
		if err != nil {
			t.Fatalf("plane %d: %v", p, err)
		}
		if err := ctx.UnpackStrided(dst[:n], out, p*w, 1, stride); err != nil {
			t.Fatalf("plane %d: %v", p, err)
		}
	}
	for i := range buf {
		if out[i] != buf[i] {
			t.Fatalf("cell %d: got %#x, want %#x", i, out[i], buf[i])
		}
	}
}

func TestNewPackContextValidation(t *testing.T) {
	cases := []struct {
		name              string
		w, h, bpp, tw, th int
	}{
		{"zero width", 0, 8, 12, 1, 1},
		{"zero height", 8, 0, 12, 1, 1},
		{"negative width", -8, 8, 12, 1, 1},
		{"zero tile width", 8, 8, 12, 0, 1},
		{"zero tile height", 8, 8, 12, 1, 0},
		{"tile wider than frame", 8, 8, 12, 9, 8},
		{"tile taller than frame", 8, 8, 12, 8, 9},
		{"8 bpp", 8, 8, 8, 8, 8},
		{"16 bpp", 8, 8, 16, 8, 8},
	}
	for _, tc := range cases {
		if _, err := NewPackContext(tc.w, tc.h, tc.bpp, tc.tw, tc.th); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestPackArgumentValidation(t *testing.T) {
	ctx := mustContext(t, 8, 8, 8, 8)
	src := make([]uint16, 64)
	dst := make([]byte, ctx.MaxPackedSize())

	if _, err := ctx.PackStrided(src, 0, 0, 8, dst); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero dx: got %v", err)
	}
	if _, err := ctx.PackStrided(src, 0, 1, 0, dst); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero dy: got %v", err)
	}
	if _, err := ctx.Pack(nil, dst); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil src: got %v", err)
	}
	if _, err := ctx.Pack(src, dst[:10]); !errors.Is(err, ErrTooSmall) {
		t.Errorf("small dst: got %v", err)
	}
	// strides that walk outside the buffer
	if _, err := ctx.PackStrided(src, 0, 1, 9, dst); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("escaping dy: got %v", err)
	}
	if _, err := ctx.PackStrided(src, 1, 1, 8, dst); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("escaping offset: got %v", err)
	}
	if _, err := ctx.PackStrided(src, 0, -1, 8, dst); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative dx without offset: got %v", err)
	}

	if err := ctx.Unpack(nil, src); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil packed src: got %v", err)
	}

	closed := mustContext(t, 8, 8, 8, 8)
	closed.Close()
	if _, err := closed.Pack(src, dst); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("closed context: got %v", err)
	}
}

func TestCorruptTileTable(t *testing.T) {
	ctx := mustContext(t, 16, 16, 8, 8)
	src := smoothFrame(rand.New(rand.NewSource(16)), 16, 16)
	packed := append([]byte(nil), roundTrip(t, ctx, src)...)
	out := make([]uint16, 16*16)

	// point the first tile past the end of the frame
	binary.LittleEndian.PutUint32(packed, uint32(len(packed)))
	if err := ctx.Unpack(packed, out); !errors.Is(err, ErrCorrupt) {
		t.Errorf("oversized tile length: got %v", err)
	}
	// a zero-length tile is invalid
	binary.LittleEndian.PutUint32(packed, 0)
	if err := ctx.Unpack(packed, out); !errors.Is(err, ErrCorrupt) {
		t.Errorf("zero tile length: got %v", err)
	}
}

func TestMaxPackedSize(t *testing.T) {
	ctx := mustContext(t, 10, 7, 4, 4)
	// 3x2 tile grid
	if got, want := ctx.MaxPackedSize(), 10*7*2+4*3*2; got != want {
		t.Fatalf("MaxPackedSize = %d, want %d", got, want)
	}
}

func TestSliceLayout(t *testing.T) {
	for th := 1; th <= 33; th++ {
		slices, h := sliceLayout(th)
		want := th
		if want > 4 {
			want = 4
		}
		if slices != want {
			t.Fatalf("th=%d: slices = %d, want %d", th, slices, want)
		}
		sum := 0
		for i := 0; i < slices; i++ {
			sum += h[i]
		}
		if sum != th {
			t.Fatalf("th=%d: slice heights %v sum to %d", th, h[:slices], sum)
		}
		for i := 1; i < slices; i++ {
			if h[i] > h[i-1] {
				t.Fatalf("th=%d: slice %d taller than slice %d (%v)", th, i, i-1, h[:slices])
			}
			if h[i-1]-h[i] > 1 {
				t.Fatalf("th=%d: slice heights differ by more than one (%v)", th, h[:slices])
			}
		}
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	vals := []uint16{0, 1, 2047, 2048, 4094, 4095}
	for _, p := range vals {
		for _, q := range vals {
			if got := deltaDecode12(deltaEncode12(p, q), q); got != p&0xFFF {
				t.Fatalf("delta round trip (%d, %d) = %d", p, q, got)
			}
		}
	}
	// garbage above the low 12 bits must not change the result
	if deltaEncode12(0xF005, 0xA003) != deltaEncode12(5, 3) {
		t.Fatal("delta encode looked at the high nibble")
	}
}

func TestAvgPredWidening(t *testing.T) {
	if got := avgPred(4095, 4095); got != 4095 {
		t.Fatalf("avgPred(4095, 4095) = %d", got)
	}
	if got := avgPred(4095, 4094); got != 4094 {
		t.Fatalf("avgPred(4095, 4094) = %d", got)
	}
	if got := avgPred(0, 1); got != 0 {
		t.Fatalf("avgPred(0, 1) = %d", got)
	}
}
