package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/vapi-relay/transport"
)

func TestEncoderFor(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "raw"},
		{name: "raw", want: "raw"},
		{name: "stream-action", want: "stream-action"},
		{name: "mulaw", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := EncoderFor(tt.name, 8000)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, enc.Name())
		})
	}
}

func TestRawEncoderPassthrough(t *testing.T) {
	audio := []byte{1, 2, 3}
	frame, err := RawEncoder{}.Encode(audio)
	require.NoError(t, err)
	assert.Equal(t, transport.BinaryMessage, frame.Type)
	assert.Equal(t, audio, frame.Data)
}

func TestStreamActionDefaultSampleRate(t *testing.T) {
	frame, err := StreamActionEncoder{}.Encode([]byte{0xff})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"streamAudio","data":{"audioDataType":"raw","sampleRate":8000,"audioData":"/w=="}}`,
		string(frame.Data))
}
