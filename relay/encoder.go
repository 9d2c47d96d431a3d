package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	vapirelay "github.com/agentplexus/vapi-relay"
	"github.com/agentplexus/vapi-relay/transport"
)

// Encoder turns audio received from the voice-AI leg into the frame sent to
// the telephony leg.
type Encoder interface {
	Name() string
	Encode(audio []byte) (transport.Frame, error)
}

// RawEncoder forwards audio as an unchanged binary frame.
type RawEncoder struct{}

// Name returns the encoding name.
func (RawEncoder) Name() string {
	return vapirelay.EncodingRaw
}

// Encode returns audio as a binary frame without copying it.
func (RawEncoder) Encode(audio []byte) (transport.Frame, error) {
	return transport.Frame{Type: transport.BinaryMessage, Data: audio}, nil
}

// StreamActionEncoder wraps audio in the PIOPIY stream-action envelope that
// TeleCMI expects for playback:
//
//	{"type":"streamAudio","data":{"audioDataType":"raw","sampleRate":8000,"audioData":"<base64>"}}
type StreamActionEncoder struct {
	SampleRate int
}

type streamAction struct {
	Type string          `json:"type"`
	Data streamAudioData `json:"data"`
}

type streamAudioData struct {
	AudioDataType string `json:"audioDataType"`
	SampleRate    int    `json:"sampleRate"`
	AudioData     string `json:"audioData"`
}

// Name returns the encoding name.
func (StreamActionEncoder) Name() string {
	return vapirelay.EncodingStreamAction
}

// Encode returns audio as a base64 stream-action text frame.
func (e StreamActionEncoder) Encode(audio []byte) (transport.Frame, error) {
	rate := e.SampleRate
	if rate <= 0 {
		rate = vapirelay.DefaultSampleRate
	}
	payload, err := json.Marshal(streamAction{
		Type: "streamAudio",
		Data: streamAudioData{
			AudioDataType: vapirelay.AudioDataTypeRaw,
			SampleRate:    rate,
			AudioData:     base64.StdEncoding.EncodeToString(audio),
		},
	})
	if err != nil {
		return transport.Frame{}, err
	}
	return transport.Frame{Type: transport.TextMessage, Data: payload}, nil
}

// EncoderFor returns the encoder registered under name. An empty name selects
// raw passthrough.
func EncoderFor(name string, sampleRate int) (Encoder, error) {
	switch name {
	case "", vapirelay.EncodingRaw:
		return RawEncoder{}, nil
	case vapirelay.EncodingStreamAction:
		return StreamActionEncoder{SampleRate: sampleRate}, nil
	default:
		return nil, fmt.Errorf("unknown relay encoding %q", name)
	}
}
