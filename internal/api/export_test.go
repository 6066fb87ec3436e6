package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modax/controld/internal/model"
)

func seedHistory(t *testing.T, f *fixture, id string, n int) {
	t.Helper()
	f.addSafeDevice(t, id)
	base := float64(time.Now().Unix())
	for i := 0; i < n; i++ {
		f.registry.AppendHistory(id, model.Aggregate{
			DeviceID:        id,
			TimeWindowEnd:   base + float64(i),
			CurrentMean:     []float64{4.0 + float64(i), 5.0},
			VibrationMean:   model.VibrationStats{Magnitude: 2.5},
			TemperatureMean: []float64{41.0},
		})
	}
}

func TestExport_CSVShapeAndOrder(t *testing.T) {
	f := newFixture(t, nil)
	seedHistory(t, f, "d1", 3)

	rec := f.do(http.MethodGet, "/api/v1/export/d1/csv?hours=24", monitoringKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4) // header + 3 rows

	assert.Equal(t, exportColumns, rows[0])
	assert.Equal(t, "d1", rows[1][1])
	assert.Equal(t, "4", rows[1][2])
	assert.Equal(t, "5", rows[1][3])
	assert.Equal(t, "", rows[1][4], "missing third current channel is empty")
	assert.Equal(t, "2.5", rows[1][5])
	assert.Equal(t, "", rows[1][7], "rpm not published")
	assert.Equal(t, "", rows[1][8], "power not published")

	// Ascending by timestamp.
	assert.Less(t, rows[1][0], rows[3][0])
}

func TestExport_JSONRows(t *testing.T) {
	f := newFixture(t, nil)
	seedHistory(t, f, "d1", 2)

	rec := f.do(http.MethodGet, "/api/v1/export/d1/json", monitoringKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []exportRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "d1", rows[0].DeviceID)
	require.NotNil(t, rows[0].CurrentA)
	assert.Equal(t, 4.0, *rows[0].CurrentA)
	assert.Nil(t, rows[0].CurrentC)
	assert.Nil(t, rows[0].RPM)
}

func TestExport_HoursValidation(t *testing.T) {
	f := newFixture(t, nil)
	seedHistory(t, f, "d1", 1)

	for _, bad := range []string{"0", "169", "abc"} {
		rec := f.do(http.MethodGet, "/api/v1/export/d1/csv?hours="+bad, monitoringKey, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, bad)
	}
}

func TestExport_UnknownDeviceIs404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/v1/export/ghost/csv", monitoringKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExport_UnknownFormatNotRouted(t *testing.T) {
	f := newFixture(t, nil)
	seedHistory(t, f, "d1", 1)
	rec := f.do(http.MethodGet, "/api/v1/export/d1/xml", monitoringKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
