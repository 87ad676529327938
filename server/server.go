// Package server assembles the device-side subsystems and drives them from
// one fixed-interval loop: uploads feed the play queue, client actions are
// authorised and applied, state changes fan out to every session and to the
// monitor feed.
package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/action"
	"github.com/nikkorn/QuAudio/config"
	"github.com/nikkorn/QuAudio/discovery"
	"github.com/nikkorn/QuAudio/monitor"
	"github.com/nikkorn/QuAudio/playlist"
	"github.com/nikkorn/QuAudio/registry"
	"github.com/nikkorn/QuAudio/system"
	"github.com/nikkorn/QuAudio/transfer"
)

var log = logging.Logger("quaudio:server")

// Options selects the optional subsystems.
type Options struct {
	// Factory builds the playable for each completed upload. Defaults to
	// the silent state-machine playable for every known format.
	Factory playlist.PlayableFactory
	// Control performs host volume and shutdown changes. Defaults to the
	// shell implementation selected by the properties' OS flag.
	Control system.Control
	// WithBeacon answers discovery probes. On by default in the binary,
	// off in most tests.
	WithBeacon bool
	// WithMonitor serves the read-only HTTP API and websocket feed.
	WithMonitor bool
}

// Server is one running QuAudio device.
type Server struct {
	props    *config.Properties
	reg      *registry.Registry
	engine   *playlist.Engine
	receiver *transfer.Receiver
	control  system.Control
	beacon   *discovery.Beacon
	mon      *monitor.Monitor

	stop chan struct{}
	done chan struct{}

	// lastClients is the session list as last announced to the monitor,
	// sorted and joined. Only the processing loop touches it.
	lastClients string
}

// New assembles a server from its properties. Nothing is bound until Start.
func New(props *config.Properties, opts Options) *Server {
	factory := opts.Factory
	if factory == nil {
		factory = defaultFactory()
	}
	control := opts.Control
	if control == nil {
		control = system.NewShellControl(props.OSUnixLike())
	}

	s := &Server{
		props:    props,
		reg:      registry.NewRegistry(props),
		engine:   playlist.NewEngine(factory),
		receiver: transfer.NewReceiver(props),
		control:  control,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts.WithBeacon {
		s.beacon = discovery.NewBeacon(props)
	}
	if opts.WithMonitor {
		s.mon = monitor.NewMonitor(s)
	}
	return s
}

func defaultFactory() playlist.PlayableFactory {
	builders := make(map[transfer.Format]playlist.Builder)
	for _, f := range []transfer.Format{
		transfer.FormatMP3, transfer.FormatFLAC, transfer.FormatWAV,
		transfer.FormatMP4, transfer.Format3GP,
	} {
		builders[f] = playlist.NewBasicPlayable
	}
	return playlist.FormatFactory(builders)
}

// Start binds every subsystem and launches the processing loop.
func (s *Server) Start() error {
	if err := s.reg.Start(); err != nil {
		return fmt.Errorf("starting registry: %w", err)
	}
	if err := s.receiver.Start(); err != nil {
		s.reg.Close()
		return fmt.Errorf("starting transfer receiver: %w", err)
	}
	if s.beacon != nil {
		if err := s.beacon.Start(); err != nil {
			s.receiver.Close()
			s.reg.Close()
			return fmt.Errorf("starting beacon: %w", err)
		}
	}
	if s.mon != nil {
		if err := s.mon.Start(s.props.MonitorPort()); err != nil {
			log.Warnw("monitor unavailable", "err", err)
			s.mon = nil
		}
	}
	if err := s.control.SetVolume(s.props.Volume()); err != nil {
		log.Warnw("cannot apply startup volume", "err", err)
	}

	go s.run()
	log.Infow("server started",
		"device", s.props.DeviceID(),
		"name", s.props.DeviceName(),
		"control_port", s.reg.ControlPort(),
		"transfer_port", s.receiver.TransferPort(),
	)
	return nil
}

// Close shuts the server down and waits for the loop to finish.
func (s *Server) Close() {
	close(s.stop)
	<-s.done
	if s.mon != nil {
		s.mon.Close()
	}
	if s.beacon != nil {
		s.beacon.Close()
	}
	s.receiver.Close()
	s.reg.Close()
	if s.props.HasChanges() {
		if err := s.props.Save(); err != nil {
			log.Errorw("saving properties on shutdown", "err", err)
		}
	}
}

// ControlPort returns the bound control port.
func (s *Server) ControlPort() int { return s.reg.ControlPort() }

// TransferPort returns the bound transfer port.
func (s *Server) TransferPort() int { return s.receiver.TransferPort() }

// Monitor returns the HTTP monitor, or nil when it is disabled.
func (s *Server) Monitor() *monitor.Monitor { return s.mon }

func (s *Server) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.props.ProcessInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pass()
		}
	}
}

// pass is one tick of the system: ingest uploads, apply client actions,
// advance the queue, then push whatever changed.
func (s *Server) pass() {
	for _, file := range s.receiver.Drain() {
		s.engine.Add(file)
	}

	for _, inbound := range s.reg.DrainIncoming() {
		s.dispatch(inbound)
	}

	s.engine.Process()

	if s.reg.HasNewSessions() {
		s.reg.QueueWelcome(s.welcomePackage())
	}
	if s.engine.TakePushPending() {
		snapshot := s.engine.Snapshot()
		s.reg.Broadcast(action.NewPushPlaylist(snapshot))
		if s.mon != nil {
			s.mon.Hub().BroadcastPlaylist(snapshot)
		}
	}
	for _, fail := range s.engine.TakePlayFails() {
		s.reg.Send(fail.OwnerID, action.NewPlayFail(fail.TrackID))
	}

	s.reg.Process()
	s.announceClients()

	if s.props.HasChanges() {
		if err := s.props.Save(); err != nil {
			log.Errorw("saving properties", "err", err)
		}
	}
}

// welcomePackage is the full state a fresh session receives, in fixed
// order: playlist, settings, volume.
func (s *Server) welcomePackage() []action.Action {
	return []action.Action{
		action.NewPushPlaylist(s.engine.Snapshot()),
		s.settingsPush(),
		action.NewPushVolume(s.props.Volume()),
	}
}

func (s *Server) settingsPush() action.Action {
	return action.NewPushSettings(s.props.DeviceName(), s.props.IsProtected(), s.props.SuperUsers())
}

// broadcastSettings announces a settings change to every session and to the
// monitor feed.
func (s *Server) broadcastSettings() {
	s.reg.Broadcast(s.settingsPush())
	if s.mon != nil {
		s.mon.Hub().BroadcastSettings(monitor.SettingsInfo{
			DeviceName:  s.props.DeviceName(),
			IsProtected: s.props.IsProtected(),
			SuperUsers:  s.props.SuperUsers(),
		})
	}
}

// announceClients pushes the session list to the monitor feed whenever it
// changes, covering both admissions and reaps.
func (s *Server) announceClients() {
	if s.mon == nil {
		return
	}
	clients := s.reg.ClientIDs()
	sort.Strings(clients)
	joined := strings.Join(clients, ",")
	if joined == s.lastClients {
		return
	}
	s.lastClients = joined
	s.mon.Hub().BroadcastClients(clients)
}

// dispatch routes one client action. Playback commands go straight to the
// queue; configuration commands are honoured only from super users on a
// protected server.
func (s *Server) dispatch(in registry.Inbound) {
	a := in.Action
	switch a.Kind {
	case action.KindPlay, action.KindPause, action.KindStop,
		action.KindSkip, action.KindMove, action.KindRemove:
		s.engine.HandleAction(a)

	case action.KindUpdateVolume:
		if !s.authorise(in.ClientID, a.Kind) {
			return
		}
		if a.Volume == nil {
			log.Warnw("volume update without a volume", "client", in.ClientID)
			return
		}
		s.applyVolume(*a.Volume)

	case action.KindUpdateSettings:
		if !s.authorise(in.ClientID, a.Kind) {
			return
		}
		s.applySettings(a)

	case action.KindAdminRequest:
		s.handleAdminRequest(in.ClientID, a.SuperPassword)

	case action.KindExit:
		if !s.authorise(in.ClientID, a.Kind) {
			return
		}
		log.Warnw("shutdown requested", "client", in.ClientID)
		if err := s.control.Shutdown(); err != nil {
			log.Errorw("shutdown failed", "err", err)
		}

	default:
		log.Debugw("ignoring action", "kind", a.Kind, "client", in.ClientID)
	}
}

// authorise enforces the super-user requirement. An unprotected server
// trusts every session. Refusals are logged and otherwise silent.
func (s *Server) authorise(clientID string, kind action.Kind) bool {
	if !s.props.IsProtected() || s.props.IsSuperUser(clientID) {
		return true
	}
	log.Warnw("refusing privileged action", "kind", kind, "client", clientID)
	return false
}

func (s *Server) applyVolume(volume int) {
	if err := s.control.SetVolume(volume); err != nil {
		log.Errorw("cannot set volume", "volume", volume, "err", err)
		return
	}
	s.props.SetVolume(volume)
	s.reg.Broadcast(action.NewPushVolume(s.props.Volume()))
	if s.mon != nil {
		s.mon.Hub().BroadcastVolume(s.props.Volume())
	}
}

func (s *Server) applySettings(a action.Action) {
	if a.DeviceName != "" {
		s.props.SetDeviceName(a.DeviceName)
	}
	if a.AccessPassword != nil {
		s.props.SetAccessPassword(*a.AccessPassword)
	}
	s.broadcastSettings()
}

// handleAdminRequest promotes the sender when the super password matches.
// A wrong attempt is logged and ignored; the requester learns the outcome
// from whether a settings push follows.
func (s *Server) handleAdminRequest(clientID, attempt string) {
	if attempt == "" || attempt != s.props.SuperPassword() {
		log.Warnw("rejected admin request", "client", clientID)
		return
	}
	s.props.AddSuperUser(clientID)
	log.Infow("promoted super user", "client", clientID)
	s.broadcastSettings()
}

// StateSource implementation for the monitor.

// Queue returns the current play queue snapshot.
func (s *Server) Queue() []action.TrackInfo { return s.engine.Snapshot() }

// DeviceName returns the server's display name.
func (s *Server) DeviceName() string { return s.props.DeviceName() }

// IsProtected reports whether joining requires the access password.
func (s *Server) IsProtected() bool { return s.props.IsProtected() }

// Volume returns the last applied output volume.
func (s *Server) Volume() int { return s.props.Volume() }

// ClientIDs lists the connected sessions.
func (s *Server) ClientIDs() []string { return s.reg.ClientIDs() }
