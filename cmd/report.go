package main

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

var reportOut string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write validated offices and extractions needing attention to a workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		offices, err := st.ListValidatedOffices(ctx, "")
		if err != nil {
			return eris.Wrap(err, "report: list offices")
		}
		attention, err := needsAttention(ctx, st)
		if err != nil {
			return eris.Wrap(err, "report: list extractions")
		}

		if err := writeReport(reportOut, offices, attention); err != nil {
			return err
		}
		zap.L().Info("report written",
			zap.String("path", reportOut),
			zap.Int("offices", len(offices)),
			zap.Int("attention", len(attention)),
		)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportOut, "out", "", "output .xlsx path (required)")
	_ = reportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(reportCmd)
}

// needsAttention lists current extractions waiting on a person: failed,
// rejected, or extracted and not yet reviewed.
func needsAttention(ctx context.Context, st store.Store) ([]model.Extraction, error) {
	return st.ListExtractions(ctx, store.ExtractionFilter{
		States:      []model.State{model.StateFailed, model.StateRejected, model.StateExtracted},
		CurrentOnly: true,
	})
}

var (
	officeHeader = []string{
		"office_id", "entity_id", "office_type", "building", "address", "suite", "city", "state", "zip",
		"phone", "fax", "hours", "revision", "synced_to_upstream", "validated_at",
	}
	attentionHeader = []string{
		"extraction_id", "entity_id", "state", "error_kind", "error_message", "exhausted", "source_url", "updated_at",
	}
)

func writeReport(path string, offices []model.ValidatedOffice, attention []model.Extraction) error {
	file := xlsx.NewFile()

	sheet, err := file.AddSheet("Offices")
	if err != nil {
		return eris.Wrap(err, "report: add offices sheet")
	}
	addRow(sheet, officeHeader...)
	for _, o := range offices {
		addRow(sheet,
			o.OfficeID, o.EntityID, o.OfficeType, o.Building, o.Address, o.Suite, o.City, o.State, o.Zip,
			o.Phone, o.Fax, o.Hours, strconv.Itoa(o.Revision), strconv.FormatBool(o.SyncedToUpstream),
			o.ValidatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	sheet, err = file.AddSheet("Needs attention")
	if err != nil {
		return eris.Wrap(err, "report: add attention sheet")
	}
	addRow(sheet, attentionHeader...)
	for _, e := range attention {
		msg := ""
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		addRow(sheet,
			strconv.FormatInt(e.ID, 10), e.EntityID, string(e.State), string(e.ErrorKind), msg,
			strconv.FormatBool(e.Exhausted), e.SourceURL, e.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	if err := file.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
