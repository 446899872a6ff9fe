package tradelog

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

func TestOpenWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 6, 10, 9, 15, 0, 0, time.UTC)

	l, err := Open(dir, start)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "trades_20240610_091500.csv", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	r := csv.NewReader(bytes.NewReader(data))
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, header, rows[0])
}

func TestAppendWritesRowWithAllColumns(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 6, 10, 9, 15, 0, 0, time.UTC)

	l, err := Open(dir, start)
	require.NoError(t, err)

	pos := models.Position{
		EntryInstant: start,
		ExitInstant:  start.Add(time.Hour),
		OptionKey:    models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: "2024-06-13"},
		EntryPrice:   100,
		ExitPrice:    110,
		Quantity:     75,
		PnL:          750,
		VWAPAtEntry:  98,
		VWAPAtExit:   108,
		OIAtEntry:    10000,
		OIAtExit:     9000,
		ExitReason:   models.ExitReasonTrailingStop,
	}
	require.NoError(t, l.Append(pos))
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "trades_20240610_091500.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	r := csv.NewReader(bytes.NewReader(data))
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "22100", rows[1][2])
	assert.Equal(t, "CE", rows[1][3])
	assert.Equal(t, "TrailingStop", rows[1][len(header)-1])
}
