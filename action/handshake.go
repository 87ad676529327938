package action

// HandshakeRequest is the single JSON line a client sends immediately after
// connecting to the control port.
type HandshakeRequest struct {
	ClientID       string `json:"client_id"`
	ClientName     string `json:"client_name"`
	AccessPassword string `json:"access_password"`
}

// Handshake reply tokens. The server answers with exactly one of these as a
// bare line; anything else is treated by the client as an unidentified
// response.
const (
	HandshakeAccepted         = "ACCEPTED"
	HandshakeWrongPassword    = "WRONG_ACCESS_PASSWORD"
	HandshakeDeclined         = "DECLINED"
	HandshakeAlreadyConnected = "CLIENT_ALREADY_CONNECTED"
)
