// Package agora implements the Agora protocol plug-in: it multiplexes
// compressed audio (SPEEX) and compressed video (Theora) between the
// participants of a collaborative session, together with the spatial
// metadata needed to place each stream in the shared scene.  The
// server is a pure N:N forwarder.
package agora

import (
	"github.com/web5design/collab/codecs"
	"github.com/web5design/collab/device"
	"github.com/web5design/collab/wire"
)

// ProtocolName identifies this plug-in in connect handshakes.
const ProtocolName = "agora"

// The plug-in piggybacks on the framework's base messages and defines
// no message ids of its own.
const numMessages = 0

const (
	defaultSampleRate       = 16000
	defaultFrameSize        = 320
	defaultJitterBufferSize = 16

	// an encoded SPEEX packet at any supported rate fits well
	// within this
	maxSpeexPacketSize = 1024
)

// Type Config is the client-side configuration of the plug-in.
type Config struct {
	SpeexSampleRate  int `json:"speexSampleRate,omitempty"`
	SpeexFrameSize   int `json:"speexFrameSize,omitempty"`
	JitterBufferSize int `json:"jitterBufferSize,omitempty"`

	VideoDeviceName string `json:"videoDeviceName,omitempty"`
	VideoFormat     string `json:"videoFormat,omitempty"`

	TheoraBitrate int `json:"theoraBitrate,omitempty"`
	TheoraQuality int `json:"theoraQuality,omitempty"`
	TheoraGopSize int `json:"theoraGopSize,omitempty"`

	VideoTransform wire.Transform `json:"videoTransform,omitempty"`
	VideoSize      [2]wire.Scalar `json:"videoSize,omitempty"`

	PauseAudioOnStart bool `json:"pauseAudioOnStart,omitempty"`
	PauseVideoOnStart bool `json:"pauseVideoOnStart,omitempty"`
}

func (config *Config) fillDefaults() {
	if config.SpeexSampleRate == 0 {
		config.SpeexSampleRate = defaultSampleRate
	}
	if config.SpeexFrameSize == 0 {
		config.SpeexFrameSize = defaultFrameSize
	}
	if config.JitterBufferSize == 0 {
		config.JitterBufferSize = defaultJitterBufferSize
	}
	if config.VideoTransform == (wire.Transform{}) {
		config.VideoTransform = wire.Identity
	}
}

// Type Deps carries the codec and device factories the host
// application supplies.  A nil factory disables the corresponding
// direction: no audio factories means the client sends no audio, no
// video factories means it sends no video.
type Deps struct {
	NewSpeexEncoder func(codecs.SpeexConfig) (codecs.SpeexEncoder, error)
	NewSpeexDecoder func(frameSize, packetSize int) (codecs.SpeexDecoder, error)
	OpenAudioSource func(codecs.SpeexConfig) (device.AudioSource, error)

	NewTheoraEncoder func(codecs.TheoraConfig) (codecs.TheoraEncoder, error)
	NewTheoraDecoder func(headers []byte) (codecs.TheoraDecoder, error)
	OpenVideoDevice  func(name, format string) (device.VideoDevice, device.Extractor, error)
}

// connectBody is the connect-request and connect-forward payload.
// The capacity hint is only present in the request direction.
type connectBody struct {
	speexFrameSize  uint32
	speexPacketSize uint32
	capacity        uint32 // request only
	hasTheora       bool
	theoraHeaders   []byte
	videoSize       [2]wire.Scalar
}

func (b *connectBody) write(w *wire.Writer, withCapacity bool) {
	w.WriteUint32(b.speexFrameSize)
	w.WriteUint32(b.speexPacketSize)
	if withCapacity {
		w.WriteUint32(b.capacity)
	}
	w.WriteBool(b.hasTheora)
	if b.hasTheora {
		w.WriteBlob(b.theoraHeaders)
		w.WriteScalar(b.videoSize[0])
		w.WriteScalar(b.videoSize[1])
	}
}

func parseConnectBody(r *wire.Reader, withCapacity bool) (connectBody, error) {
	var b connectBody
	var err error
	b.speexFrameSize, err = r.ReadUint32()
	if err != nil {
		return b, err
	}
	b.speexPacketSize, err = r.ReadUint32()
	if err != nil {
		return b, err
	}
	if withCapacity {
		b.capacity, err = r.ReadUint32()
		if err != nil {
			return b, err
		}
	}
	b.hasTheora, err = r.ReadBool()
	if err != nil {
		return b, err
	}
	if b.hasTheora {
		b.theoraHeaders, err = r.ReadBlob()
		if err != nil {
			return b, err
		}
		for i := range b.videoSize {
			b.videoSize[i], err = r.ReadScalar()
			if err != nil {
				return b, err
			}
		}
	}
	return b, nil
}
