package transfer

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// SendOptions describes one upload from the client side. Name, Artist and
// Album are optional; the receiver backfills them from the file's tags.
type SendOptions struct {
	ClientID string
	Name     string
	Artist   string
	Album    string

	// Progress, when set, renders a transfer progress bar to it.
	Progress io.Writer
}

// dialTimeout bounds the connect to the transfer port.
const dialTimeout = 5 * time.Second

// Send uploads the file at path to address:port. The file's format is
// taken from its extension. Send returns once the receiver has the whole
// file; closing the socket is the commit.
func Send(address string, port int, path string, opts SendOptions) error {
	format := Format(strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), ".")))
	if !KnownFormat(format) {
		return fmt.Errorf("unsupported audio format %q", filepath.Ext(path))
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), dialTimeout)
	if err != nil {
		return fmt.Errorf("connecting to transfer port: %w", err)
	}
	defer conn.Close()

	line, err := json.Marshal(metadata{
		ClientID: opts.ClientID,
		Name:     opts.Name,
		Artist:   opts.Artist,
		Album:    opts.Album,
		Format:   string(format),
	})
	if err != nil {
		return fmt.Errorf("encoding upload metadata: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sending upload metadata: %w", err)
	}

	var dst io.Writer = conn
	if opts.Progress != nil {
		bar := progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription(filepath.Base(path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		dst = io.MultiWriter(conn, bar)
	}
	if _, err := io.Copy(dst, file); err != nil {
		return fmt.Errorf("streaming %s: %w", path, err)
	}
	return nil
}
