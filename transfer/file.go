// Package transfer moves audio files from clients to the server. An upload
// is one TCP connection on the transfer port: a single JSON metadata line,
// then the raw file bytes until the sender closes the stream. Completed
// uploads surface as AudioFile records for the play-queue to consume.
package transfer

// Format tags an uploaded file's container format. It selects which
// playable implementation will wrap the file; it is carried verbatim from
// the sender's metadata line.
type Format string

const (
	FormatMP3  Format = "MP3"
	FormatFLAC Format = "FLAC"
	FormatWAV  Format = "WAV"
	FormatMP4  Format = "MP4"
	Format3GP  Format = "3GP"
)

var knownFormats = map[Format]bool{
	FormatMP3:  true,
	FormatFLAC: true,
	FormatWAV:  true,
	FormatMP4:  true,
	Format3GP:  true,
}

// KnownFormat reports whether f is a format this server can queue.
func KnownFormat(f Format) bool { return knownFormats[f] }

// AudioFile is the record of one completed upload: where the bytes landed
// and what the sender said about them.
type AudioFile struct {
	ID      string
	Path    string
	OwnerID string
	Name    string
	Artist  string
	Album   string
	Format  Format
}

// metadata is the wire form of the upload's leading JSON line.
type metadata struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	Format   string `json:"format"`
}
