package pool

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espargos/goespargos/internal/csi/board"
	"github.com/espargos/goespargos/internal/csi/cluster"
	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/testutil"
)

// fakeController emulates the control endpoint of one board with stateful
// RF switch and MAC filter handling.
type fakeController struct {
	mu        sync.Mutex
	rfswitch  wire.RFFeed
	rfHistory []wire.RFFeed
	macFilter board.MACFilter
	wificonf  board.WifiConf
}

func newFakeController(t *testing.T) (*fakeController, string) {
	f := &fakeController{
		rfswitch:  wire.FeedAntennaR,
		macFilter: board.MACFilter{Enable: true, MAC: "01:02:03:04:05:06"},
		wificonf:  board.WifiConf{ChannelPrimary: 13, ChannelSecondary: 0, CountryCode: "DE"},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.Listener.Addr().String()
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/identify":
		io.WriteString(w, "ESPARGOS-DENSIFLORUS")
	case "/api_info":
		io.WriteString(w, `{"device": "espargos", "revision": "densiflorus", "api-major": 1, "api-minor": 0}`)
	case "/get_netconf":
		io.WriteString(w, `{"hostname": "espargos-test"}`)
	case "/get_ip_info":
		io.WriteString(w, `{"ip": "10.0.0.2"}`)
	case "/get_rfswitch":
		io.WriteString(w, strconv.Itoa(int(f.rfswitch)))
	case "/set_rfswitch":
		v, _ := strconv.Atoi(strings.TrimSpace(string(body)))
		f.rfswitch = wire.RFFeed(v)
		f.rfHistory = append(f.rfHistory, f.rfswitch)
		io.WriteString(w, "ok")
	case "/get_mac_filter":
		json.NewEncoder(w).Encode(f.macFilter)
	case "/set_mac_filter":
		json.Unmarshal(body, &f.macFilter)
		io.WriteString(w, "ok")
	case "/get_wificonf":
		json.NewEncoder(w).Encode(f.wificonf)
	case "/set_wificonf":
		json.Unmarshal(body, &f.wificonf)
		io.WriteString(w, "ok")
	default:
		io.WriteString(w, "ok")
	}
}

func (f *fakeController) set(fn func(*fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func makeBoard(t *testing.T) (*fakeController, *board.Board) {
	t.Helper()
	f, host := newFakeController(t)
	b, err := board.New(host)
	require.NoError(t, err)
	return f, b
}

func makeFragment(t *testing.T, seq uint16, calib bool) *wire.Fragment {
	t.Helper()
	return testutil.Fragment(t, testutil.PayloadOptions{
		Format:      wire.Format11G,
		Seq:         seq,
		Calibration: calib,
	})
}

// pushCluster queues one fragment per sensor, forming a complete cluster.
func pushCluster(t *testing.T, p *Pool, seq uint16, calib bool) {
	t.Helper()
	for sensor := 0; sensor < wire.AntennasPerBoard; sensor++ {
		p.queue.Push(board.Packet{Board: 0, Sensor: sensor, Fragment: makeFragment(t, seq, calib)})
	}
}

func TestRunDeliversCompleteClusters(t *testing.T) {
	_, b := makeBoard(t)
	p := New([]*board.Board{b})

	var delivered []*cluster.Cluster
	p.AddCallback(func(cl *cluster.Cluster) {
		delivered = append(delivered, cl)
	}, nil)

	pushCluster(t, p, 0x080, false)
	p.Run()

	require.Len(t, delivered, 1)
	assert.True(t, delivered[0].Complete())
	assert.Equal(t, 13, delivered[0].PrimaryChannel())
	assert.Equal(t, 8, p.Stats().PacketBacklog)

	// A second Run must not re-deliver the same cluster.
	p.queue.Push(board.Packet{Board: 0, Sensor: 0, Fragment: makeFragment(t, 0x081, false)})
	p.Run()
	assert.Len(t, delivered, 1)
}

func TestRunRoutesCalibrationClusters(t *testing.T) {
	_, b := makeBoard(t)
	p := New([]*board.Board{b})

	fired := 0
	p.AddCallback(func(*cluster.Cluster) { fired++ }, nil)

	pushCluster(t, p, 0x100, true)
	p.Run()

	assert.Zero(t, fired)
	assert.Len(t, p.cache.CalibrationClusters(), 1)
}

func TestCalibrate(t *testing.T) {
	f, b := makeBoard(t)
	p := New([]*board.Board{b})

	for seq := uint16(0); seq < 6; seq++ {
		pushCluster(t, p, seq, true)
	}

	err := p.Calibrate(CalibrateOptions{Duration: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, p.Calibration())

	primary, secondary := p.Calibration().Channels()
	assert.Equal(t, 13, primary)
	assert.Equal(t, 13, secondary)

	// RF switch went to the reference feed and back.
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []wire.RFFeed{wire.FeedReference, wire.FeedAntennaR}, f.rfHistory)
	assert.Equal(t, "01:02:03:04:05:06", f.macFilter.MAC)
	assert.True(t, f.macFilter.Enable)
}

func TestCalibratePerBoard(t *testing.T) {
	_, b := makeBoard(t)
	p := New([]*board.Board{b})

	for seq := uint16(0); seq < 6; seq++ {
		pushCluster(t, p, seq, true)
	}

	err := p.Calibrate(CalibrateOptions{Duration: 50 * time.Millisecond, PerBoard: true})
	require.NoError(t, err)
	assert.NotNil(t, p.Calibration())
}

func TestCalibrateFailsWithTooFewClusters(t *testing.T) {
	f, b := makeBoard(t)
	p := New([]*board.Board{b})

	pushCluster(t, p, 7, true)
	pushCluster(t, p, 8, true)

	err := p.Calibrate(CalibrateOptions{Duration: 50 * time.Millisecond})
	assert.ErrorIs(t, err, ErrCalibrationFailed)
	assert.Nil(t, p.Calibration())

	// Radio state is restored even on failure.
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, wire.FeedAntennaR, f.rfswitch)
}

func TestRFSwitchAgreement(t *testing.T) {
	f1, b1 := makeBoard(t)
	f2, b2 := makeBoard(t)
	p := New([]*board.Board{b1, b2})

	f1.set(func(c *fakeController) { c.rfswitch = wire.FeedAntennaL })
	f2.set(func(c *fakeController) { c.rfswitch = wire.FeedAntennaL })
	state, err := p.RFSwitch()
	require.NoError(t, err)
	assert.Equal(t, wire.FeedAntennaL, state)

	f2.set(func(c *fakeController) { c.rfswitch = wire.FeedReference })
	_, err = p.RFSwitch()
	assert.ErrorIs(t, err, ErrBoardDisagreement)
}

func TestWifiConfAgreementIgnoresCalibRole(t *testing.T) {
	f1, b1 := makeBoard(t)
	f2, b2 := makeBoard(t)
	p := New([]*board.Board{b1, b2})

	// Differing calibration roles are fine, one board drives the
	// reference for the other.
	f1.set(func(c *fakeController) { c.wificonf.CalibSource = 1 })
	f2.set(func(c *fakeController) { c.wificonf.CalibSource = 2 })
	conf, err := p.WifiConf()
	require.NoError(t, err)
	assert.Equal(t, 13, conf.ChannelPrimary)

	f2.set(func(c *fakeController) { c.wificonf.ChannelPrimary = 6 })
	_, err = p.WifiConf()
	assert.ErrorIs(t, err, ErrBoardDisagreement)
}

func TestPoolShape(t *testing.T) {
	_, b := makeBoard(t)
	p := New([]*board.Board{b})

	boards, rows, cols := p.Shape()
	assert.Equal(t, 1, boards)
	assert.Equal(t, wire.RowsPerBoard, rows)
	assert.Equal(t, wire.AntennasPerRow, cols)
}
