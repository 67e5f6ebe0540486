package report

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/reunite/internal/model"
)

func fixtures() ([]model.Detection, []model.Person) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	dets := []model.Detection{
		{ID: 2, PersonID: 5, Confidence: 0.62, SourceLocation: "Gate (Camera: 10.0.0.4)", DetectedAt: at, Notified: model.NotifyDelivered},
		{ID: 1, PersonID: 9, Confidence: 0.31, SourceLocation: "Upload", DetectedAt: at.Add(-time.Hour), Notified: model.NotifyFailed},
	}
	persons := []model.Person{{ID: 5, Name: "Asha Rao"}}
	return dets, persons
}

func TestRows(t *testing.T) {
	dets, persons := fixtures()
	rows := Rows(dets, persons)
	require.Len(t, rows, 2)

	assert.Equal(t, "MP-000005", rows[0].CaseID)
	assert.Equal(t, "Asha Rao", rows[0].Name)
	assert.Equal(t, "MP-000009", rows[1].CaseID)
	assert.Empty(t, rows[1].Name)
}

func TestWriteCSV(t *testing.T) {
	dets, persons := fixtures()
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, dets, persons))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, Header, records[0])
	assert.Equal(t, []string{"2", "MP-000005", "Asha Rao", "0.6200", "Gate (Camera: 10.0.0.4)", "2025-06-01T09:30:00Z", "delivered"}, records[1])
	assert.Equal(t, "failed", records[2][6])
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil, nil))
	assert.Equal(t, "detection_id,case_id,name,confidence,location,detected_at,notified\n", buf.String())
}

func TestWriteXLSX(t *testing.T) {
	dets, persons := fixtures()
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, dets, persons))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	sheet, ok := f.Sheet["Detections"]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 3)

	assert.Equal(t, "case_id", sheet.Rows[0].Cells[1].String())
	assert.Equal(t, "MP-000005", sheet.Rows[1].Cells[1].String())
	assert.Equal(t, "Asha Rao", sheet.Rows[1].Cells[2].String())
	id, err := sheet.Rows[1].Cells[0].Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	c, err := sheet.Rows[2].Cells[3].Float()
	require.NoError(t, err)
	assert.InDelta(t, 0.31, c, 0.0001)
}
