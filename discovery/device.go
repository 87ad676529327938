// Package discovery locates QuAudio devices on the local network. Servers
// run a Beacon that answers fixed-token UDP probes and serves full device
// details over a one-shot TCP endpoint; clients broadcast probes and fan
// out detail queries to every responder.
package discovery

// Fixed wire tokens for the UDP presence exchange. The probe reply is a
// presence check only, carrying no metadata, so it stays tiny enough to
// survive broadcast storms.
const (
	ProbeToken    = "QU_C_PRB"
	ResponseToken = "QU_S_RSP"
)

// Device is the immutable snapshot of a discovered server, reconstructed
// from its detail endpoint. It is only a rendezvous record: once a session
// is established, pushed settings supersede it.
type Device struct {
	Address      string   `json:"-"` // filled in by the prober, not on the wire
	DeviceID     string   `json:"device_id"`
	DeviceName   string   `json:"device_name"`
	TransferPort int      `json:"afr_port"`
	ControlPort  int      `json:"cm_port"`
	IsProtected  bool     `json:"isProtected"`
	SuperUsers   []string `json:"super_users"`
}
