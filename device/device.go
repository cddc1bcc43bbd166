// Package device defines the interfaces to the capture and playback
// hardware.  The implementations live in the host application; the
// tests use in-memory fakes.
package device

import (
	"image"

	"github.com/web5design/collab/wire"
)

// Type AudioSource reads PCM from a capture device.
type AudioSource interface {
	// ReadFrame blocks until it has filled pcm with samples.
	ReadFrame(pcm []int16) error
	Close() error
}

// Type FrameBuffer is one raw frame as delivered by a video capture
// device, in the device's native pixel format.
type FrameBuffer struct {
	Data          []byte
	Width, Height int
}

// Type VideoDevice is a push-mode video capture device.
type VideoDevice interface {
	// StartStreaming arranges for cb to be called for each
	// captured frame, from a device-owned thread.  The frame
	// buffer is only valid for the duration of the call.
	StartStreaming(cb func(*FrameBuffer)) error
	StopStreaming() error
	Close() error
}

// Type Extractor converts raw frames to Y'CbCr 4:2:0.
type Extractor interface {
	ExtractYCbCr(fb *FrameBuffer, dst *image.YCbCr) error
}

// Type BufferID names one playback buffer of a streaming source.
type BufferID uint32

type SourceState int

const (
	SourceStopped SourceState = iota
	SourcePlaying
)

// Type Source is a streaming audio playback source in the OpenAL
// style: PCM is uploaded into buffers which are queued on the source,
// and buffers the source has played through are handed back by
// Unqueue.
type Source interface {
	// Unqueue removes the processed buffers from the source and
	// returns their ids.
	Unqueue() ([]BufferID, error)
	// Queue uploads pcm into the given buffer and queues it.
	Queue(id BufferID, pcm []int16) error
	State() SourceState
	// Queued returns the number of buffers currently queued.
	Queued() int
	Play() error
	Close() error
}

// Type AudioContext creates playback sources.  It stands in for an
// OpenAL rendering context; sources are created lazily when a remote
// client's audio is first rendered.
type AudioContext interface {
	// NewSource creates a source with numBuffers preallocated
	// streaming buffers at the given sample rate.
	NewSource(numBuffers, sampleRate int) (Source, []BufferID, error)
}

// Type Renderer draws a remote client into the scene.  It stands in
// for the GL rendering context.
type Renderer interface {
	// DrawViewer draws the remote viewer glyph at the given head
	// position.
	DrawViewer(head wire.Point)
	// DrawBillboard draws the remote client's current video frame
	// on a billboard of the given size placed by the given
	// transform.
	DrawBillboard(frame *image.YCbCr, transform wire.Transform,
		size [2]wire.Scalar)
}
