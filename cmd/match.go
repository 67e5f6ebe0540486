package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match one image against the missing-person registry",
	Long:  "Runs a single upload probe through the engine. Confirmed matches are marked found and alerts are sent exactly as for API uploads.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		image, _ := cmd.Flags().GetString("image")
		location, _ := cmd.Flags().GetString("location")
		if _, ok := imageExt(image); !ok {
			return eris.Errorf("match: %q is not a png, jpg, jpeg or gif image", image)
		}
		if _, err := os.Stat(image); err != nil {
			return eris.Wrap(err, "match: image")
		}

		env, err := initEnv(ctx, cfg, "match")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Engine.ProcessUploadProbe(ctx, image, location)
		if err != nil {
			return eris.Wrap(err, "match")
		}
		return printJSON(os.Stdout, result)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	matchCmd.Flags().String("image", "", "path to the probe image (required)")
	matchCmd.Flags().String("location", "", "where the photo was taken")
	_ = matchCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(matchCmd)
}
