package action

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTrip verifies that an action encoded on one side decodes on the
// other with the same kind and payload fields.
func TestRoundTrip(t *testing.T) {
	index := 2
	volume := 40
	password := "letmein"

	tests := []struct {
		name   string
		action Action
	}{
		{
			name:   "play",
			action: Action{Kind: KindPlay, TrackID: "t-1"},
		},
		{
			name:   "move with index",
			action: Action{Kind: KindMove, TrackID: "t-2", Index: &index},
		},
		{
			name:   "update volume zero",
			action: NewPushVolume(0),
		},
		{
			name:   "update volume",
			action: Action{Kind: KindUpdateVolume, Volume: &volume},
		},
		{
			name: "update settings",
			action: Action{
				Kind:           KindUpdateSettings,
				DeviceName:     "Kitchen Qu",
				AccessPassword: &password,
			},
		},
		{
			name: "push playlist",
			action: NewPushPlaylist([]TrackInfo{
				{ID: "t-1", OwnerID: "c-1", Name: "One", Artist: "A", Album: "B", State: "PLAYING"},
				{ID: "t-2", OwnerID: "c-2", Name: "Two", Artist: "C", Album: "D", State: "PENDING"},
			}),
		},
		{
			name:   "push settings",
			action: NewPushSettings("Qu", true, []string{"c-1"}),
		},
		{
			name:   "play fail",
			action: NewPlayFail("t-9"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Encode(tt.action)
			require.NoError(t, err)

			decoded, err := Decode(line)
			require.NoError(t, err)
			assert.Equal(t, tt.action, decoded)
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	decoded, err := Decode([]byte(`{"action_type":"SHUFFLE","track_id":"t-1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, decoded.Kind)
	assert.Equal(t, "t-1", decoded.TrackID)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("not json at all"))
	assert.Error(t, err)
}

func TestEncodeRejectsUnknown(t *testing.T) {
	_, err := Encode(Action{Kind: KindUnknown})
	assert.Error(t, err)

	_, err = Encode(Action{})
	assert.Error(t, err)
}

func TestReaderWriterStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write(Action{Kind: KindPause, TrackID: "t-1"}))
	require.NoError(t, w.Write(NewPushVolume(75)))

	r := NewReader(&buf)

	first, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindPause, first.Kind)
	assert.Equal(t, "t-1", first.TrackID)

	second, err := r.Read()
	require.NoError(t, err)
	require.NotNil(t, second.Volume)
	assert.Equal(t, 75, *second.Volume)

	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestReaderSurvivesGarbageLine(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("garbage\n")
	buf.WriteString(`{"action_type":"STOP","track_id":"t-3"}` + "\n")

	r := NewReader(&buf)

	_, err := r.Read()
	require.Error(t, err)

	next, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindStop, next.Kind)
}
