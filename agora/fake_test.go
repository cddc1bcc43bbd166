package agora

// In-memory stand-ins for the codec libraries and devices.  The fake
// SPEEX codec stores the low byte of each sample, so packet contents
// are deterministic and decoding is checkable; the fake Theora codec
// carries a frame's first luma byte in the last byte of each packet.

import (
	"errors"
	"image"
	"sync"

	"github.com/web5design/collab/codecs"
	"github.com/web5design/collab/device"
	"github.com/web5design/collab/wire"
)

type fakeSpeexEncoder struct {
	frameSize  int
	packetSize int
}

func (e *fakeSpeexEncoder) FrameSize() int  { return e.frameSize }
func (e *fakeSpeexEncoder) PacketSize() int { return e.packetSize }
func (e *fakeSpeexEncoder) Close() error    { return nil }

func (e *fakeSpeexEncoder) Encode(pcm []int16, packet []byte) error {
	if len(pcm) != e.frameSize || len(packet) != e.packetSize {
		return errors.New("bad buffer size")
	}
	for i := range packet {
		if i < len(pcm) {
			packet[i] = byte(pcm[i])
		} else {
			packet[i] = 0
		}
	}
	return nil
}

type fakeSpeexDecoder struct {
	frameSize  int
	packetSize int
}

func (d *fakeSpeexDecoder) FrameSize() int  { return d.frameSize }
func (d *fakeSpeexDecoder) PacketSize() int { return d.packetSize }
func (d *fakeSpeexDecoder) Close() error    { return nil }

func (d *fakeSpeexDecoder) Decode(packet []byte, pcm []int16) error {
	if len(packet) != d.packetSize || len(pcm) != d.frameSize {
		return errors.New("bad buffer size")
	}
	for i := range pcm {
		if i < len(packet) {
			pcm[i] = int16(packet[i])
		} else {
			pcm[i] = 0
		}
	}
	return nil
}

// fakeAudioSource yields the frames sent on ch; Close unblocks any
// pending read.
type fakeAudioSource struct {
	ch   chan []int16
	quit chan struct{}
}

func newFakeAudioSource() *fakeAudioSource {
	return &fakeAudioSource{
		ch:   make(chan []int16),
		quit: make(chan struct{}),
	}
}

func (s *fakeAudioSource) ReadFrame(pcm []int16) error {
	for {
		select {
		case frame := <-s.ch:
			if frame == nil {
				// sync token from feed
				continue
			}
			copy(pcm, frame)
			return nil
		case <-s.quit:
			return errors.New("source closed")
		}
	}
}

func (s *fakeAudioSource) Close() error {
	close(s.quit)
	return nil
}

// feed blocks until the pump has picked the frame up and finished
// with it: the trailing nil is only taken once the pump is back in
// ReadFrame.
func (s *fakeAudioSource) feed(frame []int16) {
	s.ch <- frame
	s.ch <- nil
}

// fakeSource is an AL-style streaming source under test control:
// process marks queued buffers as played.
type fakeSource struct {
	mu        sync.Mutex
	queued    []device.BufferID
	processed []device.BufferID
	pcm       map[device.BufferID][]int16
	state     device.SourceState
	plays     int
}

func (s *fakeSource) Unqueue() ([]device.BufferID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.processed
	s.processed = nil
	return p, nil
}

func (s *fakeSource) Queue(id device.BufferID, pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, id)
	s.pcm[id] = append([]int16(nil), pcm...)
	return nil
}

func (s *fakeSource) State() device.SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

func (s *fakeSource) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = device.SourcePlaying
	s.plays++
	return nil
}

func (s *fakeSource) Close() error {
	return nil
}

// process marks the n oldest queued buffers as played through.
func (s *fakeSource) process(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.queued) {
		n = len(s.queued)
	}
	s.processed = append(s.processed, s.queued[:n]...)
	s.queued = s.queued[n:]
	if len(s.queued) == 0 {
		s.state = device.SourceStopped
	}
}

type fakeAudioContext struct {
	sources []*fakeSource
}

func (ac *fakeAudioContext) NewSource(numBuffers, sampleRate int) (device.Source, []device.BufferID, error) {
	s := &fakeSource{
		pcm: make(map[device.BufferID][]int16),
	}
	ac.sources = append(ac.sources, s)
	buffers := make([]device.BufferID, numBuffers)
	for i := range buffers {
		buffers[i] = device.BufferID(i + 1)
	}
	return s, buffers, nil
}

type fakeTheoraEncoder struct {
	headers []byte
	count   int
}

func (e *fakeTheoraEncoder) Headers() []byte { return e.headers }
func (e *fakeTheoraEncoder) Close() error    { return nil }

// Encode emits one packet per frame: a counter followed by the
// frame's first luma byte.
func (e *fakeTheoraEncoder) Encode(frame *image.YCbCr) ([][]byte, error) {
	e.count++
	return [][]byte{{byte(e.count), frame.Y[0]}}, nil
}

type fakeTheoraDecoder struct {
	headers []byte
	frame   *image.YCbCr
}

func newFakeTheoraDecoder(headers []byte) *fakeTheoraDecoder {
	return &fakeTheoraDecoder{
		headers: headers,
		frame: image.NewYCbCr(
			image.Rect(0, 0, 4, 4),
			image.YCbCrSubsampleRatio420,
		),
	}
}

func (d *fakeTheoraDecoder) Close() error { return nil }

// Decode returns a frame whose first luma byte is the packet's last
// byte.
func (d *fakeTheoraDecoder) Decode(packet []byte) (*image.YCbCr, error) {
	if len(packet) == 0 {
		return nil, errors.New("empty packet")
	}
	d.frame.Y[0] = packet[len(packet)-1]
	return d.frame, nil
}

type fakeVideoDevice struct {
	mu sync.Mutex
	cb func(*device.FrameBuffer)
}

func (d *fakeVideoDevice) StartStreaming(cb func(*device.FrameBuffer)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
	return nil
}

func (d *fakeVideoDevice) StopStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = nil
	return nil
}

func (d *fakeVideoDevice) Close() error { return nil }

// capture delivers one raw frame, as the device thread would.
func (d *fakeVideoDevice) capture(fb *device.FrameBuffer) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(fb)
	}
}

type fakeExtractor struct{}

func (e fakeExtractor) ExtractYCbCr(fb *device.FrameBuffer, dst *image.YCbCr) error {
	copy(dst.Y, fb.Data)
	return nil
}

type fakeRenderer struct {
	viewers    []wire.Point
	billboards []byte // first luma byte of each drawn frame
	transforms []wire.Transform
	sizes      [][2]wire.Scalar
}

func (r *fakeRenderer) DrawViewer(head wire.Point) {
	r.viewers = append(r.viewers, head)
}

func (r *fakeRenderer) DrawBillboard(frame *image.YCbCr, transform wire.Transform, size [2]wire.Scalar) {
	r.billboards = append(r.billboards, frame.Y[0])
	r.transforms = append(r.transforms, transform)
	r.sizes = append(r.sizes, size)
}

// audioDeps returns Deps with working fake audio and no video.
func audioDeps(src *fakeAudioSource) Deps {
	return Deps{
		NewSpeexEncoder: func(cfg codecs.SpeexConfig) (codecs.SpeexEncoder, error) {
			return &fakeSpeexEncoder{
				frameSize:  cfg.FrameSize,
				packetSize: 40,
			}, nil
		},
		NewSpeexDecoder: func(frameSize, packetSize int) (codecs.SpeexDecoder, error) {
			return &fakeSpeexDecoder{
				frameSize:  frameSize,
				packetSize: packetSize,
			}, nil
		},
		OpenAudioSource: func(cfg codecs.SpeexConfig) (device.AudioSource, error) {
			if src == nil {
				return nil, errors.New("no audio device")
			}
			return src, nil
		},
	}
}

// videoDeps adds working fake video to deps.
func videoDeps(deps Deps, dev *fakeVideoDevice, headers []byte) Deps {
	deps.OpenVideoDevice = func(name, format string) (device.VideoDevice, device.Extractor, error) {
		return dev, fakeExtractor{}, nil
	}
	deps.NewTheoraEncoder = func(cfg codecs.TheoraConfig) (codecs.TheoraEncoder, error) {
		return &fakeTheoraEncoder{headers: headers}, nil
	}
	deps.NewTheoraDecoder = func(h []byte) (codecs.TheoraDecoder, error) {
		return newFakeTheoraDecoder(h), nil
	}
	return deps
}
