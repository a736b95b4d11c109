// Package recorder persists captured CSI clusters to newline-delimited JSON
// files, one capture session per file.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/espargos/goespargos/internal/csi/backlog"
	"github.com/espargos/goespargos/internal/fsutil"
	"github.com/espargos/goespargos/internal/security"
)

// Record is the serialized form of one CSI cluster. Complex coefficients are
// stored as [re, im] pairs; absent fields are omitted.
type Record struct {
	HostTimestamp time.Time `json:"host_timestamp,omitempty"`
	MAC           string    `json:"mac,omitempty"`

	RSSI       []float64 `json:"rssi,omitempty"`
	Timestamps []float64 `json:"timestamps,omitempty"`

	Legacy [][][2]float64 `json:"lltf,omitempty"`
	HT20   [][][2]float64 `json:"ht20,omitempty"`
	HT40   [][][2]float64 `json:"ht40,omitempty"`
}

// Recorder writes CSI records to one session file. It is not safe for
// concurrent use.
type Recorder struct {
	fs      fsutil.FileSystem
	session string
	path    string
	file    io.WriteCloser
	enc     *json.Encoder
	written int
}

// New starts a capture session in dir. The file name combines the sanitized
// label with a fresh session id.
func New(fs fsutil.FileSystem, dir, label string) (*Recorder, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture directory: %w", err)
	}

	session := uuid.NewString()
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.csi.jsonl", security.SanitizeFilename(label), session))
	file, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}

	return &Recorder{
		fs:      fs,
		session: session,
		path:    path,
		file:    file,
		enc:     json.NewEncoder(file),
	}, nil
}

// Session returns the capture session id.
func (r *Recorder) Session() string { return r.session }

// Path returns the capture file path.
func (r *Recorder) Path() string { return r.path }

// Written returns the number of records written so far.
func (r *Recorder) Written() int { return r.written }

// Write appends one backlog entry to the session file.
func (r *Recorder) Write(e backlog.Entry) error {
	rec := Record{
		HostTimestamp: e.HostTimestamp,
		RSSI:          e.RSSI,
		Timestamps:    e.Timestamps,
		Legacy:        encodeCSI(e.Legacy),
		HT20:          encodeCSI(e.HT20),
		HT40:          encodeCSI(e.HT40),
	}
	if e.MAC != nil {
		rec.MAC = e.MAC.String()
	}
	if err := r.enc.Encode(&rec); err != nil {
		return fmt.Errorf("write capture record: %w", err)
	}
	r.written++
	return nil
}

// Close finishes the session file.
func (r *Recorder) Close() error {
	return r.file.Close()
}

// encodeCSI converts slot CSI into JSON-safe [re, im] pairs. NaN markers for
// missing antennas are mapped to zero pairs since JSON has no NaN.
func encodeCSI(csi [][]complex128) [][][2]float64 {
	if csi == nil {
		return nil
	}
	out := make([][][2]float64, len(csi))
	for slot, row := range csi {
		pairs := make([][2]float64, len(row))
		for k, v := range row {
			re, im := real(v), imag(v)
			if math.IsNaN(re) || math.IsNaN(im) {
				re, im = 0, 0
			}
			pairs[k] = [2]float64{re, im}
		}
		out[slot] = pairs
	}
	return out
}
