// Package vapirelay bridges telephony WebSocket audio streams to Vapi voice assistants.
//
// A telephony client (TeleCMI, PIOPIY or any raw PCM WebSocket client) connects to
// the relay. For every accepted connection the relay creates a Vapi call with a
// websocket transport, dials the returned session URL and forwards frames in both
// directions until either side hangs up:
//   - server.Server: accepts inbound connections and runs the pairing protocol
//   - relay.Pair: duplex frame forwarding between the two legs
//   - provision.Provisioner: creates the Vapi call and returns its websocket URL
//   - transport.Connection: one WebSocket leg with idempotent close
//
// # Installation
//
//	go install github.com/agentplexus/vapi-relay/cmd/vapi-relay@latest
//
// # Environment Variables
//
//	VAPI_API_KEY      - Your Vapi private API key
//	VAPI_ASSISTANT_ID - The assistant that answers relayed calls
//	PORT              - Listening port (default 8766)
//
// # Quick Start
//
//	import (
//	    "github.com/agentplexus/vapi-relay/provision"
//	    "github.com/agentplexus/vapi-relay/server"
//	)
//
//	prov, _ := provision.New(provision.WithAPIKey(key))
//	srv, _ := server.New(server.Config{Provisioner: prov, APIKey: key, AssistantID: id})
//	_ = srv.ListenAndServe(ctx, ":8766")
package vapirelay

// Version is the relay version.
const Version = "0.1.0"

// ProviderName is the name used to identify the voice-AI provider.
const ProviderName = "vapi"

// Vapi API constants.
const (
	// DefaultAPIBaseURL is the Vapi REST API base URL.
	DefaultAPIBaseURL = "https://api.vapi.ai"

	// TransportProvider requests a websocket transport when creating a call.
	TransportProvider = "vapi.websocket"
)

// DefaultPort is the port the relay listens on when none is configured.
const DefaultPort = 8766

// Outbound relay encodings for audio sent back to the telephony side.
const (
	// EncodingRaw forwards Vapi audio frames byte for byte.
	EncodingRaw = "raw"

	// EncodingStreamAction wraps audio in a PIOPIY stream-action JSON envelope.
	EncodingStreamAction = "stream-action"
)

// Audio format constants.
const (
	// AudioDataTypeRaw is the stream-action audio type for headerless PCM.
	AudioDataTypeRaw = "raw"

	// DefaultSampleRate is the telephony sample rate (8kHz).
	DefaultSampleRate = 8000

	// DefaultChunkSize is 20ms of 16-bit mono 8kHz PCM.
	DefaultChunkSize = 320
)

