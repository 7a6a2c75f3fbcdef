package cmd

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vidpak"
)

// NewUnpackCmd unpacks raw video data from a Vidpak file.
func NewUnpackCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unpack [flags] input output",
		Short: "unpack raw video data from a Vidpak file",
		Long:  "Unpacks every frame of a Vidpak file into a stream of raw little-endian\n16-bit frames (or - to write to stdout).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			numFrames, _ := cmd.Flags().GetInt("num-frames")

			reader, err := vidpak.OpenReader(args[0], false)
			if err != nil {
				return err
			}
			defer reader.Close()

			var out io.Writer
			if args[1] == "-" {
				out = os.Stdout
			} else {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			bw := bufio.NewWriterSize(out, 1<<20)

			width, height := reader.Width(), reader.Height()
			frame := make([]uint16, width*height)
			raw := make([]byte, width*height*2)
			var (
				unpacked   int
				unpackTime time.Duration
			)
			for numFrames <= 0 || unpacked < numFrames {
				start := time.Now()
				_, _, err := reader.ReadFrame(unpacked, frame)
				if err != nil {
					if errors.Is(err, vidpak.ErrNoSuchFrame) {
						break // out of frames
					}
					return err
				}
				unpackTime += time.Since(start)
				for i, v := range frame {
					binary.LittleEndian.PutUint16(raw[2*i:], v)
				}
				if _, err := bw.Write(raw); err != nil {
					return err
				}
				unpacked++
			}
			if err := bw.Flush(); err != nil {
				return err
			}

			slog.InfoContext(ctx, "finished unpacking", "frames", unpacked, "output", args[1])
			if args[1] != "-" && unpacked > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Unpacked %d frames of %dx%d\n", unpacked, width, height)
				fmt.Fprintf(cmd.OutOrStdout(), "Average unpack time: %.2fms\n",
					float64(unpackTime.Microseconds())/float64(unpacked)/1000)
				fmt.Fprintf(cmd.OutOrStdout(), "Compression ratio: %.2f%%\n",
					float64(reader.FileSize())/float64(len(raw)*unpacked)*100)
			}
			return nil
		},
	}
	cmd.Flags().IntP("num-frames", "n", 0, "only unpack the first n frames")
	return cmd
}
