package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"vidpak"
)

// NewBenchCmd measures the codec against zstd on a raw input stream.
func NewBenchCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench [flags] input",
		Short: "benchmark the codec against zstd on raw video data",
		Long: "Packs and unpacks each frame of a raw little-endian 16-bit stream,\n" +
			"verifies the round trip, and compares size and speed against zstd\n" +
			"whole-frame compression.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, _ := cmd.Flags().GetString("size")
			tileSize, _ := cmd.Flags().GetString("tile-size")
			numFrames, _ := cmd.Flags().GetInt("num-frames")

			width, height, err := parseSize(size)
			if err != nil {
				return err
			}
			twidth, theight := width, height
			if tileSize != "" {
				if twidth, theight, err = parseSize(tileSize); err != nil {
					return err
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			pctx, err := vidpak.NewPackContext(width, height, 12, twidth, theight)
			if err != nil {
				return err
			}
			defer pctx.Close()

			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return err
			}
			defer enc.Close()

			var (
				frame    = make([]uint16, width*height)
				check    = make([]uint16, width*height)
				raw      = make([]byte, width*height*2)
				packed   = make([]byte, pctx.MaxPackedSize())
				zout     []byte
				frames   int
				rawBytes, packBytes, zstdBytes int64
				packTime, unpackTime, zstdTime time.Duration
			)
			br := bufio.NewReaderSize(f, 1<<20)
			for numFrames <= 0 || frames < numFrames {
				if _, err := io.ReadFull(br, raw); err != nil {
					if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
						break
					}
					return err
				}
				for i := range frame {
					frame[i] = binary.LittleEndian.Uint16(raw[2*i:]) & 0x0FFF
				}

				start := time.Now()
				n, err := pctx.Pack(frame, packed)
				if err != nil {
					return err
				}
				packTime += time.Since(start)

				start = time.Now()
				if err := pctx.Unpack(packed[:n], check); err != nil {
					return err
				}
				unpackTime += time.Since(start)
				for i := range frame {
					if check[i] != frame[i] {
						return fmt.Errorf("frame %d: round trip mismatch at pixel %d", frames, i)
					}
				}

				var masked bytes.Buffer
				masked.Grow(len(raw))
				for i := range frame {
					var cell [2]byte
					binary.LittleEndian.PutUint16(cell[:], frame[i])
					masked.Write(cell[:])
				}
				start = time.Now()
				zout = enc.EncodeAll(masked.Bytes(), zout[:0])
				zstdTime += time.Since(start)

				rawBytes += int64(len(raw))
				packBytes += int64(n)
				zstdBytes += int64(len(zout))
				frames++
			}
			if frames == 0 {
				return errors.New("no complete frames in input")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d frames of %dx%d (%d raw bytes)\n", frames, width, height, rawBytes)
			fmt.Fprintf(out, "vidpak: %d bytes (%.2f%%), pack %.2fms/frame, unpack %.2fms/frame\n",
				packBytes, float64(packBytes)/float64(rawBytes)*100,
				float64(packTime.Microseconds())/float64(frames)/1000,
				float64(unpackTime.Microseconds())/float64(frames)/1000)
			fmt.Fprintf(out, "zstd:   %d bytes (%.2f%%), compress %.2fms/frame\n",
				zstdBytes, float64(zstdBytes)/float64(rawBytes)*100,
				float64(zstdTime.Microseconds())/float64(frames)/1000)
			return nil
		},
	}
	pf := cmd.Flags()
	pf.StringP("size", "s", "", "width and height (as in WxH) of each frame")
	pf.StringP("tile-size", "t", "", "width and height (as in WxH) of each packed tile (default: the frame size)")
	pf.IntP("num-frames", "n", 0, "only benchmark the first n frames")
	cmd.MarkFlagRequired("size")
	return cmd
}
