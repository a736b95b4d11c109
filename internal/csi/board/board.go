// Package board manages the connection to one ESPARGOS controller: a
// request/response control channel over HTTP and a streaming CSI channel
// over UDP with a framed TCP fallback.
package board

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
)

// identitySignature must appear in the identify response of a genuine
// controller.
const identitySignature = "ESPARGOS-DENSIFLORUS"

// supportedAPIMajor is the newest control API major version this library
// speaks.
const supportedAPIMajor = 1

// Timeouts of the transport. The handshake timeout bounds the wait for the
// stream magic, the idle timeout disconnects a silent stream, and the read
// interval is how often the read loop rechecks its stop flag.
const (
	DefaultHandshakeTimeout  = 3 * time.Second
	DefaultStreamIdleTimeout = 5 * time.Second
	controlTimeout           = 5 * time.Second
	readInterval             = 200 * time.Millisecond
)

// streamTCPPort is the controller's framed-stream fallback port. A variable
// so tests can stand in a listener on an ephemeral port.
var streamTCPPort = "6565"

// Packet is one decoded fragment tagged with the sensor that produced it and
// the board's index within its pool.
type Packet struct {
	Board    int
	Sensor   int
	Fragment *wire.Fragment
}

// Queue is a shared fan-in point for the stream read loops of several
// boards. Pushing appends and wakes a waiting drainer.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Packet
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a packet and wakes one waiting Drain call.
func (q *Queue) Push(p Packet) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.cond.Signal()
}

// Drain returns all queued packets in arrival order. If the queue is empty
// it blocks up to the given timeout for new packets and may return nil.
func (q *Queue) Drain(timeout time.Duration) []Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		// sync.Cond has no timed wait; a timer broadcast bounds it.
		timer := time.AfterFunc(timeout, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
	}
	items := q.items
	q.items = nil
	return items
}

type consumer struct {
	queue *Queue
	board int
}

// Board is a connected ESPARGOS controller. Construction verifies the
// peer's identity and API version; Start establishes the CSI stream.
type Board struct {
	host   string
	client *http.Client

	revision *wire.Revision
	apiMajor int
	apiMinor int
	netconf  Netconf
	ipInfo   IPInfo

	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	consumers []consumer

	mu        sync.Mutex
	streaming bool
	closing   bool
	transport string
	udpConn   *net.UDPConn
	tcpConn   net.Conn
	wg        sync.WaitGroup
}

// Option adjusts board construction.
type Option func(*Board)

// WithHandshakeTimeout overrides the stream handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(b *Board) { b.handshakeTimeout = d }
}

// WithIdleTimeout overrides the stream idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(b *Board) { b.idleTimeout = d }
}

// New connects to the controller at host (host or host:port of the control
// endpoint), verifies it is an ESPARGOS controller running a supported API
// version, resolves its hardware revision and fetches its configuration.
func New(host string, opts ...Option) (*Board, error) {
	b := &Board{
		host:             host,
		client:           &http.Client{Timeout: controlTimeout},
		handshakeTimeout: DefaultHandshakeTimeout,
		idleTimeout:      DefaultStreamIdleTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}

	identification, err := b.fetch("identify", nil)
	if err != nil {
		return nil, fmt.Errorf("identify %s: %w", host, err)
	}
	if !strings.Contains(identification, identitySignature) {
		return nil, fmt.Errorf("%w: %s does not identify as an ESPARGOS controller", ErrUnexpectedResponse, host)
	}

	if err := b.negotiateAPI(); err != nil {
		return nil, err
	}

	if err := b.getJSON("get_netconf", &b.netconf); err != nil {
		return nil, err
	}
	if err := b.getJSON("get_ip_info", &b.ipInfo); err != nil {
		return nil, err
	}

	monitoring.Logf("board: identified ESPARGOS %q at %s (API %d.%d, revision %s/%s)",
		b.Name(), b.ipInfo.IP, b.apiMajor, b.apiMinor, b.revision.Device, b.revision.Name)
	return b, nil
}

type apiInfo struct {
	Device   string `json:"device"`
	Revision string `json:"revision"`
	APIMajor *int   `json:"api-major"`
	APIMinor int    `json:"api-minor"`
}

func (b *Board) negotiateAPI() error {
	var info apiInfo

	raw, err := b.fetch("api_info", nil)
	switch {
	case errors.Is(err, ErrHTTPStatus):
		// Pre-release firmware has no api_info endpoint.
		monitoring.Warnf("board: ESPARGOS at %s runs older firmware with no API version information, please update", b.host)
		zero := 0
		info = apiInfo{Device: "espargos", Revision: "densiflorus", APIMajor: &zero}
	case err != nil:
		return fmt.Errorf("api_info %s: %w", b.host, err)
	default:
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return fmt.Errorf("%w: api_info from %s is not valid JSON", ErrUnexpectedResponse, b.host)
		}
		if info.APIMajor == nil {
			return fmt.Errorf("%w: api_info from %s lacks version information", ErrUnexpectedResponse, b.host)
		}
	}

	if *info.APIMajor > supportedAPIMajor {
		return fmt.Errorf("%w: controller at %s runs API %d.%d, supported major is %d",
			ErrUnsupportedAPIVersion, b.host, *info.APIMajor, info.APIMinor, supportedAPIMajor)
	}
	b.apiMajor = *info.APIMajor
	b.apiMinor = info.APIMinor

	rev, ok := wire.FindRevision(info.Device, info.Revision)
	if !ok {
		return fmt.Errorf("%w: device=%q revision=%q", ErrUnknownRevision, info.Device, info.Revision)
	}
	b.revision = rev
	return nil
}

// Name returns the controller hostname configured on the device.
func (b *Board) Name() string { return b.netconf.Hostname }

// Host returns the control endpoint address the board was constructed with.
func (b *Board) Host() string { return b.host }

// Revision returns the board's resolved hardware revision.
func (b *Board) Revision() *wire.Revision { return b.revision }

// APIVersion returns the negotiated control API version.
func (b *Board) APIVersion() (major, minor int) { return b.apiMajor, b.apiMinor }

// AddConsumer subscribes a queue to the board's fragment stream. Every
// decoded fragment is pushed tagged with boardIndex. Consumers must be added
// before Start.
func (b *Board) AddConsumer(q *Queue, boardIndex int) {
	b.consumers = append(b.consumers, consumer{queue: q, board: boardIndex})
}

// fetch performs one control request. A nil body issues a GET, otherwise the
// body is POSTed. Returns the response body as text.
func (b *Board) fetch(path string, body []byte) (string, error) {
	url := "http://" + b.host + "/" + path

	var (
		resp *http.Response
		err  error
	)
	if body == nil {
		resp, err = b.client.Get(url)
	} else {
		resp, err = b.client.Post(url, "application/json", bytes.NewReader(body))
	}
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned %d for /%s", ErrHTTPStatus, b.host, resp.StatusCode, path)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// postOK POSTs a JSON payload and requires the literal response "ok".
func (b *Board) postOK(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	res, err := b.fetch(path, body)
	if err != nil {
		return err
	}
	if res != "ok" {
		return fmt.Errorf("%w: /%s returned %q", ErrUnexpectedResponse, path, res)
	}
	return nil
}

// getJSON GETs a path and decodes the JSON response into out.
func (b *Board) getJSON(path string, out any) error {
	res, err := b.fetch(path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res), out); err != nil {
		return fmt.Errorf("%w: /%s returned %q", ErrUnexpectedResponse, path, res)
	}
	return nil
}

// SetRFSwitch selects the RF feed path on all sensors of the board.
func (b *Board) SetRFSwitch(state wire.RFFeed) error {
	res, err := b.fetch("set_rfswitch", []byte(strconv.Itoa(int(state))))
	if err != nil {
		return err
	}
	if res != "ok" {
		return fmt.Errorf("%w: set_rfswitch returned %q", ErrUnexpectedResponse, res)
	}
	return nil
}

// GetRFSwitch reports the currently selected RF feed path.
func (b *Board) GetRFSwitch() (wire.RFFeed, error) {
	res, err := b.fetch("get_rfswitch", nil)
	if err != nil {
		return wire.FeedUnknown, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(res))
	if err != nil || v < 0 || v > int(wire.FeedUnknown) {
		return wire.FeedUnknown, fmt.Errorf("%w: get_rfswitch returned %q", ErrUnexpectedResponse, res)
	}
	return wire.RFFeed(v), nil
}

// SetMACFilter restricts reception to transmitters matching the filter.
func (b *Board) SetMACFilter(filter MACFilter) error {
	return b.postOK("set_mac_filter", filter)
}

// ClearMACFilter re-enables reception from all transmitters.
func (b *Board) ClearMACFilter() error {
	return b.postOK("set_mac_filter", MACFilter{Enable: false})
}

// GetMACFilter reports the current reception filter.
func (b *Board) GetMACFilter() (MACFilter, error) {
	var f MACFilter
	err := b.getJSON("get_mac_filter", &f)
	return f, err
}

// SetWifiConf applies a radio configuration.
func (b *Board) SetWifiConf(conf WifiConf) error {
	return b.postOK("set_wificonf", conf)
}

// GetWifiConf reports the current radio configuration.
func (b *Board) GetWifiConf() (WifiConf, error) {
	var c WifiConf
	err := b.getJSON("get_wificonf", &c)
	return c, err
}

// SetCSIAcquireConfig applies a CSI acquisition configuration.
func (b *Board) SetCSIAcquireConfig(cfg CSIAcquireConfig) error {
	return b.postOK("set_csi_acquire_config", cfg)
}

// GetCSIAcquireConfig reports the current CSI acquisition configuration.
func (b *Board) GetCSIAcquireConfig() (CSIAcquireConfig, error) {
	var c CSIAcquireConfig
	err := b.getJSON("get_csi_acquire_config", &c)
	return c, err
}

// SetGainSettings applies receiver gain settings.
func (b *Board) SetGainSettings(settings GainSettings) error {
	return b.postOK("set_gain_settings", settings)
}

// GetGainSettings reports the current receiver gain settings.
func (b *Board) GetGainSettings() (GainSettings, error) {
	var g GainSettings
	err := b.getJSON("get_gain_settings", &g)
	return g, err
}
