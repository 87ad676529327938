package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/config"
)

var beaconLog = logging.Logger("quaudio:beacon")

// Beacon advertises a server on the local network. It answers UDP probe
// datagrams with the fixed response token and serves one line of device
// detail JSON per TCP connection on the detail port. Details are read live
// from the properties store so promotions and renames are visible to the
// next prober without a restart.
type Beacon struct {
	props *config.Properties

	mu       sync.Mutex
	probconn *net.UDPConn
	detail   net.Listener
	closed   bool
}

// NewBeacon creates a beacon backed by props.
func NewBeacon(props *config.Properties) *Beacon {
	return &Beacon{props: props}
}

// Start binds the probe and detail listeners and begins answering in the
// background. It fails fast if either port cannot be bound.
func (b *Beacon) Start() error {
	probeAddr := &net.UDPAddr{IP: net.IPv4zero, Port: b.props.ProbePort()}
	probeConn, err := net.ListenUDP("udp4", probeAddr)
	if err != nil {
		return fmt.Errorf("binding probe listener: %w", err)
	}

	detail, err := net.Listen("tcp", fmt.Sprintf(":%d", b.props.DetailPort()))
	if err != nil {
		probeConn.Close()
		return fmt.Errorf("binding detail listener: %w", err)
	}

	b.mu.Lock()
	b.probconn = probeConn
	b.detail = detail
	b.mu.Unlock()

	go b.answerProbes(probeConn)
	go b.serveDetails(detail)

	beaconLog.Infow("beacon started",
		"probe", probeConn.LocalAddr().String(), "detail", detail.Addr().String())
	return nil
}

// Close stops both listeners. Safe to call more than once.
func (b *Beacon) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.probconn != nil {
		b.probconn.Close()
	}
	if b.detail != nil {
		b.detail.Close()
	}
}

// ProbePort returns the bound UDP probe port.
func (b *Beacon) ProbePort() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.probconn.LocalAddr().(*net.UDPAddr).Port
}

// DetailPort returns the bound TCP detail port.
func (b *Beacon) DetailPort() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detail.Addr().(*net.TCPAddr).Port
}

func (b *Beacon) answerProbes(conn *net.UDPConn) {
	buf := make([]byte, 1024)
	for {
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !b.isClosed() {
				beaconLog.Warnw("probe read failed", "err", err)
			}
			return
		}
		if strings.TrimSpace(string(buf[:n])) != ProbeToken {
			continue
		}
		beaconLog.Debugw("answering probe", "from", sender.String())
		if _, err := conn.WriteToUDP([]byte(ResponseToken), sender); err != nil {
			beaconLog.Warnw("probe response failed", "to", sender.String(), "err", err)
		}
	}
}

func (b *Beacon) serveDetails(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !b.isClosed() {
				beaconLog.Warnw("detail accept failed", "err", err)
			}
			return
		}
		go b.writeDetail(conn)
	}
}

// writeDetail serialises the current device descriptor as one JSON line and
// closes the connection.
func (b *Beacon) writeDetail(conn net.Conn) {
	defer conn.Close()

	device := Device{
		DeviceID:     b.props.DeviceID(),
		DeviceName:   b.props.DeviceName(),
		TransferPort: b.props.TransferPort(),
		ControlPort:  b.props.ControlPort(),
		IsProtected:  b.props.IsProtected(),
		SuperUsers:   b.props.SuperUsers(),
	}
	line, err := json.Marshal(device)
	if err != nil {
		beaconLog.Errorw("marshalling device detail", "err", err)
		return
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		beaconLog.Warnw("writing device detail", "err", err)
	}
}

func (b *Beacon) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
