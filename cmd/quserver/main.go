package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	flag "github.com/spf13/pflag"

	"github.com/nikkorn/QuAudio/config"
	"github.com/nikkorn/QuAudio/server"
)

func main() {
	propertiesPath := flag.String("properties", "properties.json", "path to the device properties file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	noBeacon := flag.Bool("no-beacon", false, "do not answer discovery probes")
	noMonitor := flag.Bool("no-monitor", false, "do not serve the HTTP monitor")
	flag.Parse()

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}

	props, err := config.Load(*propertiesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading properties: %v\n", err)
		os.Exit(1)
	}

	s := server.New(props, server.Options{
		WithBeacon:  !*noBeacon,
		WithMonitor: !*noMonitor,
	})
	if err := s.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "starting server: %v\n", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	s.Close()
}
