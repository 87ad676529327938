package discovery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/config"
)

var probeLog = logging.Logger("quaudio:probe")

// DefaultProbeTimeout bounds how long a discovery pass waits for responders.
const DefaultProbeTimeout = 2 * time.Second

// ProbeOptions tunes a discovery pass. The zero value broadcasts on the
// default ports with the default timeout.
type ProbeOptions struct {
	// ProbePort is the UDP port probed on each target.
	ProbePort int
	// DetailPort is the TCP port queried on each responder.
	DetailPort int
	// Timeout bounds the whole pass: the probe collection window and the
	// detail queries that follow.
	Timeout time.Duration
	// Targets overrides the probe destinations. When empty, the local
	// interfaces' broadcast addresses are used.
	Targets []string
}

func (o ProbeOptions) withDefaults() ProbeOptions {
	if o.ProbePort == 0 {
		o.ProbePort = config.DefaultProbePort
	}
	if o.DetailPort == 0 {
		o.DetailPort = config.DefaultDetailPort
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultProbeTimeout
	}
	return o
}

// Discover broadcasts a presence probe, collects every responder within the
// timeout window, then queries each responder's detail endpoint
// concurrently. Hosts that never answer, refuse, or reply with something
// unparseable are simply excluded from the result; an empty slice is a
// successful discovery that found nothing.
func Discover(opts ProbeOptions) ([]Device, error) {
	opts = opts.withDefaults()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("opening probe socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(opts.Timeout)

	targets := opts.Targets
	if len(targets) == 0 {
		targets = broadcastTargets()
	}
	for _, target := range targets {
		addr := &net.UDPAddr{IP: net.ParseIP(target), Port: opts.ProbePort}
		if addr.IP == nil {
			continue
		}
		if _, err := conn.WriteToUDP([]byte(ProbeToken), addr); err != nil {
			// Some interfaces reject broadcasts; the others still count.
			probeLog.Debugw("probe send failed", "target", target, "err", err)
		}
	}

	responders := collectResponders(conn, deadline)
	if len(responders) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		devices []Device
		wg      sync.WaitGroup
	)
	for _, address := range responders {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			device, ok := fetchDetail(address, opts.DetailPort, opts.Timeout)
			if !ok {
				return
			}
			mu.Lock()
			devices = append(devices, device)
			mu.Unlock()
		}(address)
	}
	wg.Wait()

	return devices, nil
}

// collectResponders reads probe responses until the deadline and returns
// the distinct responder addresses.
func collectResponders(conn *net.UDPConn, deadline time.Time) []string {
	seen := make(map[string]bool)
	var responders []string

	buf := make([]byte, 1024)
	conn.SetReadDeadline(deadline)
	for {
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline elapsed or socket closed; either way the window is over.
			return responders
		}
		if strings.TrimSpace(string(buf[:n])) != ResponseToken {
			continue
		}
		host := sender.IP.String()
		if !seen[host] {
			seen[host] = true
			responders = append(responders, host)
		}
	}
}

// fetchDetail queries one responder's detail endpoint. A connection
// failure, timeout or malformed reply excludes the host rather than failing
// discovery.
func fetchDetail(address string, detailPort int, timeout time.Duration) (Device, bool) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, detailPort), timeout)
	if err != nil {
		probeLog.Debugw("detail dial failed", "address", address, "err", err)
		return Device{}, false
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(timeout))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		probeLog.Debugw("detail read failed", "address", address, "err", err)
		return Device{}, false
	}

	var device Device
	if err := json.Unmarshal(line, &device); err != nil {
		probeLog.Warnw("discarding malformed detail response", "address", address, "err", err)
		return Device{}, false
	}
	device.Address = address
	return device, true
}

// broadcastTargets returns the directed broadcast address of every up,
// non-loopback IPv4 interface, plus the limited broadcast address.
func broadcastTargets() []string {
	targets := []string{"255.255.255.255"}

	interfaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			broadcast := make(net.IP, len(ip4))
			for i := range ip4 {
				broadcast[i] = ip4[i] | ^mask[i]
			}
			targets = append(targets, broadcast.String())
		}
	}
	return targets
}
