// Package report exports the detection ledger as XLSX or CSV.
package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/reunite/internal/model"
)

// Header is the column order of every export.
var Header = []string{"detection_id", "case_id", "name", "confidence", "location", "detected_at", "notified"}

// Row is one exported detection joined with its person.
type Row struct {
	DetectionID int64               `json:"detection_id"`
	CaseID      string              `json:"case_id"`
	Name        string              `json:"name"`
	Confidence  float64             `json:"confidence"`
	Location    string              `json:"location"`
	DetectedAt  time.Time           `json:"detected_at"`
	Notified    model.NotifyOutcome `json:"notified"`
}

// Rows joins detections with persons by id, keeping detection order.
// Detections whose person is gone keep the derived case id and an empty
// name.
func Rows(detections []model.Detection, persons []model.Person) []Row {
	byID := make(map[int64]*model.Person, len(persons))
	for i := range persons {
		byID[persons[i].ID] = &persons[i]
	}

	rows := make([]Row, 0, len(detections))
	for _, d := range detections {
		r := Row{
			DetectionID: d.ID,
			CaseID:      model.CaseID(d.PersonID),
			Confidence:  d.Confidence,
			Location:    d.SourceLocation,
			DetectedAt:  d.DetectedAt.UTC(),
			Notified:    d.Notified,
		}
		if p, ok := byID[d.PersonID]; ok {
			r.Name = p.Name
		}
		rows = append(rows, r)
	}
	return rows
}

func (r Row) strings() []string {
	return []string{
		strconv.FormatInt(r.DetectionID, 10),
		r.CaseID,
		r.Name,
		strconv.FormatFloat(r.Confidence, 'f', 4, 64),
		r.Location,
		r.DetectedAt.Format(time.RFC3339),
		string(r.Notified),
	}
}

// WriteCSV writes the export as CSV with a header row.
func WriteCSV(w io.Writer, detections []model.Detection, persons []model.Person) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, r := range Rows(detections, persons) {
		if err := cw.Write(r.strings()); err != nil {
			return eris.Wrapf(err, "report: write detection %d", r.DetectionID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush csv")
}

// WriteXLSX writes the export as a single-sheet workbook.
func WriteXLSX(w io.Writer, detections []model.Detection, persons []model.Person) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Detections")
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range Header {
		header.AddCell().SetString(h)
	}

	for _, r := range Rows(detections, persons) {
		row := sheet.AddRow()
		row.AddCell().SetInt64(r.DetectionID)
		row.AddCell().SetString(r.CaseID)
		row.AddCell().SetString(r.Name)
		row.AddCell().SetFloat(r.Confidence)
		row.AddCell().SetString(r.Location)
		row.AddCell().SetString(r.DetectedAt.Format(time.RFC3339))
		row.AddCell().SetString(string(r.Notified))
	}

	return eris.Wrap(f.Write(w), "report: write xlsx")
}
