package board

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
)

type csiUDPRequest struct {
	Enable bool `json:"enable"`
	Port   int  `json:"port,omitempty"`
}

// Start establishes the CSI stream and launches the read loop. Controllers
// with API 1 or newer are asked to push datagrams to a local UDP socket;
// older firmware, or a controller whose datagrams cannot reach us, falls
// back to the framed TCP stream. The stream is live once the controller has
// delivered the magic preamble.
func (b *Board) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streaming {
		return nil
	}

	if b.apiMajor >= 1 {
		err := b.startUDP()
		if err == nil {
			b.streaming = true
			return nil
		}
		monitoring.Warnf("board: UDP stream from %s failed (%v), falling back to TCP", b.Name(), err)
	}

	if err := b.startTCP(); err != nil {
		return err
	}
	b.streaming = true
	return nil
}

func (b *Board) startUDP() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	if err := b.postOK("csi_udp", csiUDPRequest{Enable: true, Port: port}); err != nil {
		conn.Close()
		return err
	}

	if err := awaitMagicDatagram(conn, b.handshakeTimeout); err != nil {
		conn.Close()
		b.disableUDP()
		return err
	}

	b.udpConn = conn
	b.transport = "udp"
	b.wg.Add(1)
	go b.readUDP(conn)
	monitoring.Logf("board: streaming CSI from %s over UDP port %d", b.Name(), port)
	return nil
}

func (b *Board) startTCP() error {
	host, _, err := net.SplitHostPort(b.host)
	if err != nil {
		host = b.host
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, streamTCPPort), b.handshakeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamConnection, err)
	}

	if err := awaitMagicStream(conn, b.handshakeTimeout); err != nil {
		conn.Close()
		return err
	}

	b.tcpConn = conn
	b.transport = "tcp"
	b.wg.Add(1)
	go b.readTCP(conn)
	monitoring.Logf("board: streaming CSI from %s over TCP", b.Name())
	return nil
}

// awaitMagicDatagram reads the handshake datagram, which must consist of
// exactly the magic bytes.
func awaitMagicDatagram(conn *net.UDPConn, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: no stream preamble: %v", ErrStreamConnection, err)
	}
	if n != len(wire.StreamMagic) || [4]byte(buf[:4]) != wire.StreamMagic {
		return fmt.Errorf("%w: stream preamble mismatch", ErrStreamConnection)
	}
	return nil
}

// awaitMagicStream reads exactly the 4-byte preamble from the TCP stream.
// The controller may coalesce the preamble with the first frames into one
// segment, so anything past the magic stays buffered for the read loop.
func awaitMagicStream(conn net.Conn, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var magic [4]byte
	if _, err := io.ReadFull(conn, magic[:]); err != nil {
		return fmt.Errorf("%w: no stream preamble: %v", ErrStreamConnection, err)
	}
	if magic != wire.StreamMagic {
		return fmt.Errorf("%w: stream preamble mismatch", ErrStreamConnection)
	}
	return nil
}

// disableUDP best-effort tells the controller to stop pushing datagrams.
func (b *Board) disableUDP() {
	if err := b.postOK("csi_udp", csiUDPRequest{Enable: false}); err != nil {
		monitoring.Warnf("board: could not disable UDP stream on %s: %v", b.Name(), err)
	}
}

// readUDP consumes CSI datagrams. Each datagram carries a whole number of
// frames. The socket is closed by Stop, which ends the loop.
func (b *Board) readUDP(conn *net.UDPConn) {
	defer b.wg.Done()

	buf := make([]byte, 65536)
	lastData := time.Now()
	for {
		conn.SetReadDeadline(time.Now().Add(readInterval))
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if time.Since(lastData) > b.idleTimeout {
					monitoring.Warnf("board: no CSI from %s for %v, disconnecting", b.Name(), b.idleTimeout)
					b.selfDisconnect()
					return
				}
				continue
			}
			b.selfDisconnect()
			return
		}
		lastData = time.Now()
		if n%wire.FrameSize != 0 {
			monitoring.Warnf("board: dropping %d-byte datagram from %s, not a whole number of frames", n, b.Name())
			continue
		}
		for off := 0; off < n; off += wire.FrameSize {
			b.dispatchFrame(buf[off : off+wire.FrameSize])
		}
	}
}

// readTCP consumes the framed TCP stream, accumulating reads until whole
// frames are available.
func (b *Board) readTCP(conn net.Conn) {
	defer b.wg.Done()

	buf := make([]byte, 65536)
	var pending []byte
	lastData := time.Now()
	for {
		conn.SetReadDeadline(time.Now().Add(readInterval))
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if time.Since(lastData) > b.idleTimeout {
					monitoring.Warnf("board: no CSI from %s for %v, disconnecting", b.Name(), b.idleTimeout)
					b.selfDisconnect()
					return
				}
				continue
			}
			b.selfDisconnect()
			return
		}
		lastData = time.Now()
		pending = append(pending, buf[:n]...)
		for len(pending) >= wire.FrameSize {
			b.dispatchFrame(pending[:wire.FrameSize])
			pending = pending[wire.FrameSize:]
		}
	}
}

// dispatchFrame decodes one stream frame and fans the fragment out to all
// consumers. Malformed frames are logged and skipped.
func (b *Board) dispatchFrame(frame []byte) {
	sensor := int(binary.LittleEndian.Uint32(frame[:4]))
	frag, err := wire.Decode(b.revision, frame[4:])
	if err != nil {
		monitoring.Warnf("board: dropping frame from %s sensor %d: %v", b.Name(), sensor, err)
		return
	}
	for _, c := range b.consumers {
		c.queue.Push(Packet{Board: c.board, Sensor: sensor, Fragment: frag})
	}
}

// selfDisconnect tears down the stream from inside the read loop, after an
// idle timeout or a socket error. It leaves the board ready for another
// Start. When Stop is running it owns the teardown and this is a no-op.
func (b *Board) selfDisconnect() {
	b.mu.Lock()
	if !b.streaming || b.closing {
		b.mu.Unlock()
		return
	}
	if b.udpConn != nil {
		b.udpConn.Close()
	}
	if b.tcpConn != nil {
		b.tcpConn.Close()
	}
	transport := b.transport
	b.udpConn = nil
	b.tcpConn = nil
	b.transport = ""
	b.streaming = false
	b.mu.Unlock()

	if transport == "udp" {
		b.disableUDP()
	}
}

// Stop shuts down the stream. The read loop exits on socket close (or on
// its next deadline) and the controller is told to stop pushing datagrams.
func (b *Board) Stop() {
	b.mu.Lock()
	if !b.streaming || b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	if b.udpConn != nil {
		b.udpConn.Close()
	}
	if b.tcpConn != nil {
		b.tcpConn.Close()
	}
	transport := b.transport
	b.mu.Unlock()

	b.wg.Wait()

	if transport == "udp" {
		b.disableUDP()
	}

	b.mu.Lock()
	b.udpConn = nil
	b.tcpConn = nil
	b.transport = ""
	b.streaming = false
	b.closing = false
	b.mu.Unlock()
	monitoring.Logf("board: stopped CSI stream from %s", b.Name())
}
