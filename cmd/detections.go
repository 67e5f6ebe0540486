package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/report"
	"github.com/sells-group/reunite/internal/store"
)

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "Inspect and export the detection ledger",
}

func detectionFilterFromFlags(cmd *cobra.Command) (model.DetectionFilter, error) {
	var filter model.DetectionFilter
	f := cmd.Flags()

	filter.PersonID, _ = f.GetInt64("person")
	filter.Limit, _ = f.GetInt("limit")
	if v, _ := f.GetString("notified"); v != "" {
		n, err := model.ParseNotifyOutcome(v)
		if err != nil {
			return filter, err
		}
		filter.Notified = n
	}
	if d, _ := f.GetDuration("since"); d > 0 {
		filter.DetectedAfter = time.Now().UTC().Add(-d)
	}
	return filter, nil
}

// loadLedger fetches detections and the persons they reference.
func loadLedger(ctx context.Context, st store.Store, filter model.DetectionFilter) ([]model.Detection, []model.Person, error) {
	dets, err := st.ListDetections(ctx, filter)
	if err != nil {
		return nil, nil, eris.Wrap(err, "list detections")
	}
	persons, err := st.ListPersons(ctx, model.PersonFilter{})
	if err != nil {
		return nil, nil, eris.Wrap(err, "list persons")
	}
	return dets, persons, nil
}

// -- detections list --

var detectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded detections, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := detectionFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openAdminStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		dets, persons, err := loadLedger(ctx, st, filter)
		if err != nil {
			return eris.Wrap(err, "detections list")
		}

		rows := report.Rows(dets, persons)
		if asJSON {
			return printJSON(os.Stdout, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No detections found.")
			return nil
		}
		formatDetectionList(os.Stdout, rows)
		return nil
	},
}

func formatDetectionList(out io.Writer, rows []report.Row) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCASE\tNAME\tCONFIDENCE\tLOCATION\tDETECTED\tNOTIFIED")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t----------\t--------\t--------\t--------")

	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			r.DetectionID,
			r.CaseID,
			r.Name,
			r.Confidence*100,
			r.Location,
			r.DetectedAt.Format("2006-01-02 15:04:05"),
			r.Notified,
		)
	}
	_ = w.Flush()
}

// -- detections export --

var detectionsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export detections to an XLSX or CSV file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")
		write, err := exportWriter(format)
		if err != nil {
			return err
		}
		filter, err := detectionFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openAdminStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		dets, persons, err := loadLedger(ctx, st, filter)
		if err != nil {
			return eris.Wrap(err, "detections export")
		}

		f, err := os.Create(outPath)
		if err != nil {
			return eris.Wrap(err, "detections export: create output")
		}
		if err := write(f, dets, persons); err != nil {
			f.Close()          //nolint:errcheck
			os.Remove(outPath) //nolint:errcheck
			return eris.Wrap(err, "detections export")
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "detections export: close output")
		}

		fmt.Fprintf(os.Stderr, "Exported %d detections to %s\n", len(dets), outPath)
		return nil
	},
}

type exportFunc func(io.Writer, []model.Detection, []model.Person) error

func exportWriter(format string) (exportFunc, error) {
	switch format {
	case "xlsx":
		return report.WriteXLSX, nil
	case "csv":
		return report.WriteCSV, nil
	default:
		return nil, eris.Errorf("detections export: unknown format %q (want xlsx or csv)", format)
	}
}

func init() {
	for _, c := range []*cobra.Command{detectionsListCmd, detectionsExportCmd} {
		c.Flags().Int64("person", 0, "only detections for this person id")
		c.Flags().String("notified", "", "filter by alert outcome: delivered, failed or not_attempted")
		c.Flags().Duration("since", 0, "only detections newer than this, e.g. 24h")
		c.Flags().Int("limit", 0, "max detections (0 for all)")
	}
	detectionsListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	detectionsExportCmd.Flags().String("format", "xlsx", "export format: xlsx or csv")
	detectionsExportCmd.Flags().String("out", "", "output file (required)")
	_ = detectionsExportCmd.MarkFlagRequired("out")

	detectionsCmd.AddCommand(detectionsListCmd, detectionsExportCmd)
	rootCmd.AddCommand(detectionsCmd)
}
