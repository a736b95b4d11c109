package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espargos/goespargos/internal/csi/backlog"
	"github.com/espargos/goespargos/internal/fsutil"
)

func sampleEntry(t *testing.T) backlog.Entry {
	t.Helper()

	mac, err := net.ParseMAC("01:02:03:04:05:06")
	require.NoError(t, err)

	return backlog.Entry{
		Legacy: [][]complex128{
			{complex(1, 2), complex(3, -4)},
			{complex(-0.5, 0.25), complex(0, 1)},
		},
		RSSI:          []float64{-42, -45},
		Timestamps:    []float64{1.5, 1.5001},
		HostTimestamp: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
		MAC:           mac,
	}
}

func TestRecorderWritesRecords(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	rec, err := New(fs, "/captures", "lab run 1")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(rec.Path(), "/captures/lab_run_1-"))
	require.True(t, strings.HasSuffix(rec.Path(), ".csi.jsonl"))
	require.Contains(t, rec.Path(), rec.Session())

	require.NoError(t, rec.Write(sampleEntry(t)))
	require.NoError(t, rec.Write(sampleEntry(t)))
	assert.Equal(t, 2, rec.Written())
	require.NoError(t, rec.Close())

	data, err := fs.ReadFile(rec.Path())
	require.NoError(t, err)

	var lines []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 2)

	got := lines[0]
	assert.Equal(t, "01:02:03:04:05:06", got.MAC)
	assert.Equal(t, []float64{-42, -45}, got.RSSI)
	require.Len(t, got.Legacy, 2)
	assert.Equal(t, [2]float64{1, 2}, got.Legacy[0][0])
	assert.Equal(t, [2]float64{3, -4}, got.Legacy[0][1])
	assert.Nil(t, got.HT20)
	assert.Nil(t, got.HT40)
}

func TestRecorderDistinctSessions(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()

	a, err := New(fs, "/captures", "session")
	require.NoError(t, err)
	b, err := New(fs, "/captures", "session")
	require.NoError(t, err)

	assert.NotEqual(t, a.Session(), b.Session())
	assert.NotEqual(t, a.Path(), b.Path())
}

func TestEncodeCSIClearsNaN(t *testing.T) {
	nan := math.NaN()
	out := encodeCSI([][]complex128{{complex(nan, nan), complex(1, 0)}})

	require.Len(t, out, 1)
	assert.Equal(t, [2]float64{0, 0}, out[0][0])
	assert.Equal(t, [2]float64{1, 0}, out[0][1])
	assert.Nil(t, encodeCSI(nil))
}
