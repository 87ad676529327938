package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	flag "github.com/spf13/pflag"

	"github.com/nikkorn/QuAudio/action"
	"github.com/nikkorn/QuAudio/channel"
	"github.com/nikkorn/QuAudio/discovery"
	"github.com/nikkorn/QuAudio/proxy"
	"github.com/nikkorn/QuAudio/transfer"
)

const usage = `usage: quclient <command> [flags]

commands:
  discover   find QuAudio devices on the local network
  upload     stream an audio file to a device
  watch      connect to a device and print its pushed state
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logging.SetLogLevel("*", "error")

	var err error
	switch os.Args[1] {
	case "discover":
		err = runDiscover(os.Args[2:])
	case "upload":
		err = runUpload(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "quclient: %v\n", err)
		os.Exit(1)
	}
}

func runDiscover(args []string) error {
	flags := flag.NewFlagSet("discover", flag.ExitOnError)
	timeout := flags.Duration("timeout", 2*time.Second, "how long to wait for devices")
	flags.Parse(args)

	devices, err := discovery.Discover(discovery.ProbeOptions{Timeout: *timeout})
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for _, d := range devices {
		protection := "open"
		if d.IsProtected {
			protection = "password protected"
		}
		fmt.Printf("%s\t%s\t%s\t(%s)\n", d.DeviceName, d.Address, d.DeviceID, protection)
	}
	return nil
}

func runUpload(args []string) error {
	flags := flag.NewFlagSet("upload", flag.ExitOnError)
	address := flags.String("address", "", "device address (skips discovery)")
	port := flags.Int("port", 0, "device transfer port")
	name := flags.String("name", "", "track name (defaults to the file's tags)")
	artist := flags.String("artist", "", "track artist")
	album := flags.String("album", "", "track album")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("upload needs exactly one audio file")
	}
	path := flags.Arg(0)

	address2, port2, err := resolveTransferTarget(*address, *port)
	if err != nil {
		return err
	}

	return transfer.Send(address2, port2, path, transfer.SendOptions{
		ClientID: clientID(),
		Name:     *name,
		Artist:   *artist,
		Album:    *album,
		Progress: os.Stderr,
	})
}

// resolveTransferTarget discovers the device when no address was given.
func resolveTransferTarget(address string, port int) (string, int, error) {
	if address != "" && port != 0 {
		return address, port, nil
	}
	devices, err := discovery.Discover(discovery.ProbeOptions{})
	if err != nil {
		return "", 0, err
	}
	if len(devices) == 0 {
		return "", 0, fmt.Errorf("no devices found; pass --address and --port")
	}
	d := devices[0]
	if address == "" {
		address = d.Address
	}
	if port == 0 {
		port = d.TransferPort
	}
	return address, port, nil
}

func runWatch(args []string) error {
	flags := flag.NewFlagSet("watch", flag.ExitOnError)
	address := flags.String("address", "", "device address (skips discovery)")
	port := flags.Int("port", 0, "device control port")
	password := flags.String("password", "", "access password for protected devices")
	clientName := flags.String("client-name", "quclient", "name shown to the device")
	flags.Parse(args)

	info, err := resolveDevice(*address, *port)
	if err != nil {
		return err
	}

	cfg := channel.NewConnectionConfig(clientID(), *clientName, *password)
	device, err := proxy.Connect(info, cfg)
	if err != nil {
		return err
	}
	defer device.Disconnect()
	fmt.Printf("connected to %s (%s)\n", info.DeviceName, info.Address)

	device.Subscribe(proxy.ListenerFunc(func(kind proxy.EventKind) {
		switch kind {
		case proxy.EventPlaylistUpdated:
			printPlaylist(device.Playlist())
		case proxy.EventVolumeUpdated:
			fmt.Printf("volume: %d\n", device.Volume())
		case proxy.EventSettingsUpdated:
			settings := device.Settings()
			fmt.Printf("settings: name=%s protected=%v\n", settings.DeviceName, settings.IsProtected)
		case proxy.EventDisconnected:
			fmt.Println("disconnected")
		}
	}))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-device.Done():
	}
	return nil
}

func resolveDevice(address string, port int) (discovery.Device, error) {
	if address != "" && port != 0 {
		return discovery.Device{Address: address, ControlPort: port}, nil
	}
	devices, err := discovery.Discover(discovery.ProbeOptions{})
	if err != nil {
		return discovery.Device{}, err
	}
	for _, d := range devices {
		if address == "" || d.Address == address {
			return d, nil
		}
	}
	return discovery.Device{}, fmt.Errorf("no devices found; pass --address and --port")
}

func printPlaylist(tracks []action.TrackInfo) {
	if len(tracks) == 0 {
		fmt.Println("queue: empty")
		return
	}
	var parts []string
	for _, t := range tracks {
		parts = append(parts, fmt.Sprintf("%s [%s]", t.Name, t.State))
	}
	fmt.Printf("queue: %s\n", strings.Join(parts, " | "))
}

// clientID identifies this machine to the device. It is stable across runs
// of the same user on the same host.
func clientID() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return uuid.NewString()
	}
	path := home + "/.quclient-id"
	if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	id := uuid.NewString()
	os.WriteFile(path, []byte(id), 0o600)
	return id
}
