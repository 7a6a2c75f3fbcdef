package cmd

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"vidpak"
)

// NewInfoCmd prints the header and frame statistics of a Vidpak file.
func NewInfoCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "info file",
		Short: "show header and frame information for a Vidpak file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := vidpak.OpenReader(args[0], false)
			if err != nil {
				return err
			}
			defer reader.Close()

			frames, err := reader.CountFrames()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "File version: %d\n", reader.Version())
			fmt.Fprintf(out, "Frame size: %dx%d\n", reader.Width(), reader.Height())
			fmt.Fprintf(out, "Tile size: %dx%d\n", reader.TileWidth(), reader.TileHeight())
			fmt.Fprintf(out, "Bits per pixel: %d\n", reader.Bpp())
			fmt.Fprintf(out, "Frames: %d\n", frames)
			fmt.Fprintf(out, "File size: %d bytes\n", reader.FileSize())
			if frames > 0 {
				rawSize := int64(reader.Width()) * int64(reader.Height()) * 2 * int64(frames)
				fmt.Fprintf(out, "Compression ratio: %.2f%%\n", float64(reader.FileSize())/float64(rawSize)*100)
			}
			if meta := reader.Metadata(); len(meta) > 0 {
				if utf8.Valid(meta) {
					fmt.Fprintf(out, "Metadata: %s\n", meta)
				} else {
					fmt.Fprintf(out, "Metadata: %d bytes (binary)\n", len(meta))
				}
			}
			return nil
		},
	}
}
