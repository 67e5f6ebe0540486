package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/store"
)

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Manage missing-person cases",
	Long:  "Commands for registering cases, changing their status, and cleaning up found cases.",
}

// openAdminStore validates the config for admin commands and opens the store.
func openAdminStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("admin"); err != nil {
		return nil, err
	}
	return initStore(ctx, cfg)
}

// -- case register --

var caseRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a missing person and send the confirmation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		p, err := personFromFlags(cmd)
		if err != nil {
			return err
		}
		photo, _ := cmd.Flags().GetString("photo")
		encodingPath, _ := cmd.Flags().GetString("encoding")

		st, err := openAdminStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		notifier, err := initNotifier(cfg)
		if err != nil {
			return err
		}

		created, err := registerPerson(ctx, st, p, photo, encodingPath, cfg.Server.UploadDir)
		if err != nil {
			return err
		}

		if notifier != nil {
			if err := notifier.SendRegistrationConfirmation(ctx, created); err != nil {
				zap.L().Warn("registration confirmation not delivered",
					zap.Int64("person_id", created.ID),
					zap.Error(err),
				)
			}
		}

		fmt.Fprintf(os.Stdout, "Missing person report for %s has been registered successfully! Case ID: %s\n",
			created.Name, created.CaseID())
		return nil
	},
}

func personFromFlags(cmd *cobra.Command) (*model.Person, error) {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	age, _ := f.GetInt("age")
	gender, _ := f.GetString("gender")
	lastSeen, _ := f.GetString("last-seen-location")
	lastSeenDate, _ := f.GetString("last-seen-date")
	description, _ := f.GetString("description")
	contactName, _ := f.GetString("contact-name")
	contactEmail, _ := f.GetString("contact-email")
	contactPhone, _ := f.GetString("contact-phone")

	p := &model.Person{
		Name:             strings.TrimSpace(name),
		Age:              age,
		Gender:           gender,
		LastSeenLocation: lastSeen,
		Description:      description,
		ContactName:      contactName,
		ContactEmail:     contactEmail,
		ContactPhone:     contactPhone,
		Status:           model.StatusMissing,
	}
	if lastSeenDate != "" {
		t, err := time.Parse(time.DateOnly, lastSeenDate)
		if err != nil {
			return nil, eris.Wrap(err, "case register: --last-seen-date must be YYYY-MM-DD")
		}
		p.LastSeenDate = t
	}
	return p, nil
}

// registerPerson copies the photo into the upload directory, loads the
// encoding, and creates the registry entry. Without an encoding file the
// photo bytes are stored as the encoding and handed to the scorer as the
// reference image.
func registerPerson(ctx context.Context, st store.Store, p *model.Person, photoPath, encodingPath, uploadDir string) (*model.Person, error) {
	ext, ok := imageExt(photoPath)
	if !ok {
		return nil, eris.Errorf("case register: photo %q must be png, jpg, jpeg or gif", photoPath)
	}
	photo, err := os.ReadFile(photoPath)
	if err != nil {
		return nil, eris.Wrap(err, "case register: read photo")
	}
	if len(photo) == 0 {
		return nil, eris.New("case register: photo is empty")
	}

	encoding := photo
	if encodingPath != "" {
		encoding, err = os.ReadFile(encodingPath)
		if err != nil {
			return nil, eris.Wrap(err, "case register: read encoding")
		}
		if len(encoding) == 0 {
			return nil, eris.New("case register: encoding file is empty")
		}
	}

	name, err := saveImage(uploadDir, ext, bytes.NewReader(photo))
	if err != nil {
		return nil, eris.Wrap(err, "case register")
	}
	p.PhotoFilename = name
	p.Encoding = encoding

	created, err := st.CreatePerson(ctx, p)
	if err != nil {
		os.Remove(filepath.Join(uploadDir, name)) //nolint:errcheck
		return nil, eris.Wrap(err, "case register")
	}
	zap.L().Info("case registered",
		zap.Int64("person_id", created.ID),
		zap.String("case_id", created.CaseID()),
	)
	return created, nil
}

// -- case status --

var caseStatusCmd = &cobra.Command{
	Use:   "status <id> <missing|found|closed>",
	Short: "Set the status of a case",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(strings.TrimPrefix(strings.ToUpper(args[0]), "MP-"), 10, 64)
		if err != nil || id <= 0 {
			return eris.Errorf("case status: invalid case id %q", args[0])
		}
		status, err := model.ParseStatus(args[1])
		if err != nil {
			return err
		}

		st, err := openAdminStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SetStatus(ctx, id, status); err != nil {
			return eris.Wrap(err, "case status")
		}
		zap.L().Info("case status updated", zap.Int64("person_id", id), zap.String("status", string(status)))
		fmt.Fprintf(os.Stdout, "Case %s status updated to %s\n", model.CaseID(id), status)
		return nil
	},
}

// -- case reset-found --

var caseResetFoundCmd = &cobra.Command{
	Use:   "reset-found",
	Short: "Move every found case back to missing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openAdminStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ResetFoundToMissing(ctx)
		if err != nil {
			return eris.Wrap(err, "case reset-found")
		}
		zap.L().Info("admin action: reset found cases to missing", zap.Int("count", n))
		fmt.Fprintf(os.Stdout, "Reset %d cases back to missing status\n", n)
		return nil
	},
}

// -- case purge-found --

var casePurgeFoundCmd = &cobra.Command{
	Use:   "purge-found",
	Short: "Delete every found case, its detections and its photo",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return eris.New("case purge-found: deletion is permanent, pass --yes to confirm")
		}

		st, err := openAdminStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		photos, err := st.PurgeFound(ctx)
		if err != nil {
			return eris.Wrap(err, "case purge-found")
		}
		removed := removePhotos(cfg.Server.UploadDir, photos)
		zap.L().Info("admin action: purged found cases", zap.Int("photos_removed", removed))
		fmt.Fprintf(os.Stdout, "Deleted all found cases (%d photos removed)\n", removed)
		return nil
	},
}

// -- case list --

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered cases",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		statusFlag, _ := cmd.Flags().GetString("status")
		search, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := model.PersonFilter{Search: search, Limit: limit}
		if statusFlag != "" && statusFlag != "all" {
			status, err := model.ParseStatus(statusFlag)
			if err != nil {
				return err
			}
			filter.Status = status
		}

		st, err := openAdminStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		persons, err := st.ListPersons(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "case list")
		}

		if asJSON {
			if persons == nil {
				persons = []model.Person{}
			}
			return printJSON(os.Stdout, persons)
		}
		if len(persons) == 0 {
			fmt.Fprintln(os.Stderr, "No cases found.")
			return nil
		}
		formatCaseList(os.Stdout, persons)
		return nil
	},
}

func formatCaseList(out io.Writer, persons []model.Person) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CASE\tNAME\tAGE\tSTATUS\tLAST SEEN\tCONTACT\tREGISTERED")
	_, _ = fmt.Fprintln(w, "----\t----\t---\t------\t---------\t-------\t----------")

	for _, p := range persons {
		lastSeen := p.LastSeenLocation
		if len(lastSeen) > 40 {
			lastSeen = lastSeen[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			p.CaseID(),
			p.Name,
			p.Age,
			p.Status,
			lastSeen,
			p.ContactEmail,
			p.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	rf := caseRegisterCmd.Flags()
	rf.String("name", "", "full name (required)")
	rf.Int("age", 0, "age in years")
	rf.String("gender", "", "gender")
	rf.String("last-seen-location", "", "where the person was last seen")
	rf.String("last-seen-date", "", "date last seen (YYYY-MM-DD)")
	rf.String("description", "", "physical description")
	rf.String("contact-name", "", "reporting contact name")
	rf.String("contact-email", "", "reporting contact email, receives alerts")
	rf.String("contact-phone", "", "reporting contact phone")
	rf.String("photo", "", "reference photo (required)")
	rf.String("encoding", "", "precomputed face encoding file (default: the photo bytes)")
	_ = caseRegisterCmd.MarkFlagRequired("name")
	_ = caseRegisterCmd.MarkFlagRequired("photo")

	casePurgeFoundCmd.Flags().Bool("yes", false, "confirm permanent deletion")

	caseListCmd.Flags().String("status", "missing", "filter by status: missing, found, closed or all")
	caseListCmd.Flags().String("search", "", "match by name")
	caseListCmd.Flags().Int("limit", 50, "max cases to show")
	caseListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	caseCmd.AddCommand(caseRegisterCmd, caseStatusCmd, caseResetFoundCmd, casePurgeFoundCmd, caseListCmd)
	rootCmd.AddCommand(caseCmd)
}
