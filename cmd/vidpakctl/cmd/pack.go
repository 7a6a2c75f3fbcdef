package cmd

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"vidpak"
)

// NewPackCmd packs raw video data into a Vidpak file.
func NewPackCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack [flags] input output",
		Short: "pack raw video data into a Vidpak file",
		Long: "Packs a stream of raw little-endian 16-bit 12bpp frames (or - to read\n" +
			"from stdin) into a Vidpak file. Timestamps are synthesized from the\n" +
			"nominal framerate.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, _ := cmd.Flags().GetString("size")
			tileSize, _ := cmd.Flags().GetString("tile-size")
			numFrames, _ := cmd.Flags().GetInt("num-frames")
			framerate, _ := cmd.Flags().GetFloat64("framerate")
			if framerate <= 0 {
				return fmt.Errorf("framerate %v must be positive", framerate)
			}

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

			var in io.Reader
			if args[0] == "-" {
				in = os.Stdin
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			metadata, _ := json.Marshal(map[string]string{
				"recording_id": uuid.NewString(),
				"tool":         "vidpakctl",
			})
			writer, err := vidpak.NewWriter(args[1], width, height, 12, twidth, theight, metadata)
			if err != nil {
				return err
			}

			frame := make([]uint16, width*height)
			raw := make([]byte, width*height*2)
			br := bufio.NewReaderSize(in, 1<<20)
			var (
				packed   int
				packTime time.Duration
				ts       float64
			)
			for numFrames <= 0 || packed < numFrames {
				if _, err := io.ReadFull(br, raw); err != nil {
					if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
						break // a partial trailing frame is dropped
					}
					writer.Close()
					return err
				}
				for i := range frame {
					frame[i] = binary.LittleEndian.Uint16(raw[2*i:])
				}
				start := time.Now()
				if err := writer.WriteFrame(uint64(ts*1e6), frame, nil); err != nil {
					writer.Close()
					return err
				}
				packTime += time.Since(start)
				ts += 1 / framerate
				packed++
			}
			if err := writer.Close(); err != nil {
				return err
			}

			slog.InfoContext(ctx, "finished packing", "frames", packed, "output", args[1])
			if packed > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Packed %d frames\n", packed)
				fmt.Fprintf(cmd.OutOrStdout(), "Average pack time: %.2fms\n",
					float64(packTime.Microseconds())/float64(packed)/1000)
				fmt.Fprintf(cmd.OutOrStdout(), "Compression ratio: %.2f%%\n",
					float64(writer.FileSize())/float64(len(raw)*packed)*100)
			}
			return nil
		},
	}
	pf := cmd.Flags()
	pf.StringP("size", "s", "", "width and height (as in WxH) of each frame")
	pf.StringP("tile-size", "t", "", "width and height (as in WxH) of each packed tile (default: the frame size)")
	pf.IntP("num-frames", "n", 0, "only pack the first n frames")
	pf.Float64P("framerate", "f", 30, "nominal framerate used for determining frame timestamps")
	cmd.MarkFlagRequired("size")
	return cmd
}
