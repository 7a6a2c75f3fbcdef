package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"vidpak"
)

// NewImportDICOMCmd converts the frames of a DICOM file into a Vidpak file.
func NewImportDICOMCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-dicom [flags] input.dcm output.vidpak",
		Short: "import the frames of a DICOM file as a Vidpak sequence",
		Long: "Reads the native pixel data of a DICOM file and packs each frame into a\n" +
			"Vidpak file. Samples are masked to 12 bits.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			framerate, _ := cmd.Flags().GetFloat64("framerate")
			tileSize, _ := cmd.Flags().GetString("tile-size")
			if framerate <= 0 {
				return fmt.Errorf("framerate %v must be positive", framerate)
			}

			dataset, err := dicom.ParseFile(args[0], nil)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			pixelDataElement, err := dataset.FindElementByTag(tag.PixelData)
			if err != nil {
				return fmt.Errorf("%s has no pixel data: %w", args[0], err)
			}
			pixelDataInfo := dicom.MustGetPixelDataInfo(pixelDataElement.Value)
			if pixelDataInfo.IsEncapsulated {
				return fmt.Errorf("%s: encapsulated (compressed) pixel data is not supported", args[0])
			}
			if len(pixelDataInfo.Frames) == 0 {
				return fmt.Errorf("%s has no frames", args[0])
			}

			first, err := pixelDataInfo.Frames[0].GetNativeFrame()
			if err != nil {
				return err
			}
			width, height := first.Cols, first.Rows
			twidth, theight := width, height
			if tileSize != "" {
				if twidth, theight, err = parseSize(tileSize); err != nil {
					return err
				}
			}

			metadata, _ := json.Marshal(map[string]string{
				"recording_id": uuid.NewString(),
				"tool":         "vidpakctl",
				"source":       args[0],
			})
			writer, err := vidpak.NewWriter(args[1], width, height, 12, twidth, theight, metadata)
			if err != nil {
				return err
			}

			frame := make([]uint16, width*height)
			var ts float64
			for i, fr := range pixelDataInfo.Frames {
				native, err := fr.GetNativeFrame()
				if err != nil {
					writer.Close()
					return fmt.Errorf("frame %d: %w", i, err)
				}
				if native.Cols != width || native.Rows != height {
					writer.Close()
					return fmt.Errorf("frame %d is %dx%d, want %dx%d", i, native.Cols, native.Rows, width, height)
				}
				for j := range frame {
					frame[j] = uint16(native.Data[j][0]) & 0x0FFF
				}
				if err := writer.WriteFrame(uint64(ts*1e6), frame, nil); err != nil {
					writer.Close()
					return err
				}
				ts += 1 / framerate
			}
			if err := writer.Close(); err != nil {
				return err
			}

			slog.InfoContext(ctx, "imported dicom",
				"source", args[0], "output", args[1],
				"frames", writer.FrameCount(), "size", fmt.Sprintf("%dx%d", width, height))
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d frames of %dx%d\n", writer.FrameCount(), width, height)
			return nil
		},
	}
	pf := cmd.Flags()
	pf.Float64P("framerate", "f", 30, "nominal framerate used for determining frame timestamps")
	pf.StringP("tile-size", "t", "", "width and height (as in WxH) of each packed tile (default: the frame size)")
	return cmd
}
