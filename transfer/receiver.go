package transfer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhowden/tag"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/config"
)

var log = logging.Logger("quaudio:transfer")

// Receiver accepts uploads on the transfer port and lands them in the
// upload directory. Completed uploads queue up until the owner drains them.
type Receiver struct {
	props    *config.Properties
	listener net.Listener

	mu        sync.Mutex
	completed []AudioFile
	closed    bool
}

// NewReceiver builds a receiver for the given server properties.
func NewReceiver(props *config.Properties) *Receiver {
	return &Receiver{props: props}
}

// Start binds the transfer port, ensures the upload directory exists and
// begins accepting uploads in the background.
func (r *Receiver) Start() error {
	if err := os.MkdirAll(r.props.UploadDirectory(), 0o755); err != nil {
		return fmt.Errorf("creating upload directory: %w", err)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.props.TransferPort()))
	if err != nil {
		return fmt.Errorf("binding transfer port: %w", err)
	}
	r.listener = listener
	go r.acceptLoop()
	log.Infow("transfer receiver listening", "addr", listener.Addr().String())
	return nil
}

// TransferPort returns the bound port.
func (r *Receiver) TransferPort() int {
	return r.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting uploads. In-flight uploads are abandoned.
func (r *Receiver) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	if r.listener != nil {
		r.listener.Close()
	}
}

func (r *Receiver) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				log.Warnw("transfer accept failed", "err", err)
			}
			return
		}
		go r.receive(conn)
	}
}

// receive handles one upload connection: metadata line, then bytes to EOF.
// Any failure deletes the partial file; the uploader observes the failure
// as a broken socket.
func (r *Receiver) receive(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		log.Warnw("upload ended before metadata", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}
	var meta metadata
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &meta); err != nil {
		log.Warnw("malformed upload metadata", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}
	format := Format(strings.ToUpper(meta.Format))
	if !KnownFormat(format) {
		log.Warnw("rejecting upload of unknown format", "format", meta.Format, "client", meta.ClientID)
		return
	}

	id := uuid.NewString()
	path := filepath.Join(r.props.UploadDirectory(), fmt.Sprintf("%s.%s", id, strings.ToLower(string(format))))
	file, err := os.Create(path)
	if err != nil {
		log.Errorw("cannot create upload file", "path", path, "err", err)
		return
	}

	written, err := io.Copy(file, reader)
	file.Close()
	if err != nil {
		log.Warnw("upload aborted", "track", id, "written", written, "err", err)
		os.Remove(path)
		return
	}

	audio := AudioFile{
		ID:      id,
		Path:    path,
		OwnerID: meta.ClientID,
		Name:    meta.Name,
		Artist:  meta.Artist,
		Album:   meta.Album,
		Format:  format,
	}
	backfillMetadata(&audio)
	if audio.Name == "" {
		audio.Name = "Unknown"
	}

	r.mu.Lock()
	r.completed = append(r.completed, audio)
	r.mu.Unlock()
	log.Infow("upload complete", "track", id, "name", audio.Name, "bytes", written, "client", meta.ClientID)
}

// backfillMetadata fills gaps in the sender's metadata from the file's own
// tags. A file with no readable tags keeps whatever the sender provided.
func backfillMetadata(audio *AudioFile) {
	if audio.Name != "" && audio.Artist != "" && audio.Album != "" {
		return
	}
	file, err := os.Open(audio.Path)
	if err != nil {
		return
	}
	defer file.Close()
	tags, err := tag.ReadFrom(file)
	if err != nil {
		log.Debugw("no readable tags", "track", audio.ID, "err", err)
		return
	}
	if audio.Name == "" {
		audio.Name = tags.Title()
	}
	if audio.Artist == "" {
		audio.Artist = tags.Artist()
	}
	if audio.Album == "" {
		audio.Album = tags.Album()
	}
}

// Drain returns the uploads completed since the last call.
func (r *Receiver) Drain() []AudioFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	completed := r.completed
	r.completed = nil
	return completed
}
