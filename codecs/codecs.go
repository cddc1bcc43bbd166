// Package codecs defines the interfaces to the SPEEX and Theora
// codec libraries.  The codecs themselves are external; the host
// application supplies implementations through the factory functions
// of the agora package.
package codecs

import (
	"image"
)

// Type SpeexEncoder compresses fixed-length PCM frames into
// fixed-length packets.
type SpeexEncoder interface {
	// FrameSize returns the number of samples per encoded frame.
	FrameSize() int
	// PacketSize returns the number of bytes per encoded packet.
	PacketSize() int
	// Encode compresses exactly FrameSize samples into packet,
	// which must be of length PacketSize.
	Encode(pcm []int16, packet []byte) error
	Close() error
}

// Type SpeexDecoder is the inverse of SpeexEncoder.  It must be
// constructed with the frame and packet sizes of the sending peer.
type SpeexDecoder interface {
	FrameSize() int
	PacketSize() int
	// Decode decompresses one packet into pcm, which must be of
	// length FrameSize.
	Decode(packet []byte, pcm []int16) error
	Close() error
}

// Type SpeexConfig carries the encoder settings fixed at session
// start.
type SpeexConfig struct {
	SampleRate int // 8000, 16000 or 32000
	FrameSize  int // samples per frame
}

// Type TheoraEncoder compresses raw Y'CbCr 4:2:0 frames.
type TheoraEncoder interface {
	// Headers returns the stream headers blob produced at encoder
	// init.  A decoder needs it once before any frame.
	Headers() []byte
	// Encode compresses one frame into zero or more packets.  The
	// returned packets are only valid until the next call.
	Encode(frame *image.YCbCr) ([][]byte, error)
	Close() error
}

// Type TheoraDecoder decompresses a Theora stream.  It must be
// constructed with the sending peer's headers blob.
type TheoraDecoder interface {
	// Decode decompresses one packet.  It returns nil if the
	// packet did not complete a frame.  The returned frame is
	// only valid until the next call.
	Decode(packet []byte) (*image.YCbCr, error)
	Close() error
}

// Type TheoraConfig carries the encoder tuning knobs.
type TheoraConfig struct {
	Width   int
	Height  int
	Bitrate int
	Quality int
	GopSize int
}
