package agora

import (
	"errors"
	"image"
	"log"
	"sync"
	"sync/atomic"

	"github.com/web5design/collab/codecs"
	"github.com/web5design/collab/device"
	"github.com/web5design/collab/dropout"
	"github.com/web5design/collab/jitter"
	"github.com/web5design/collab/protocol"
	"github.com/web5design/collab/stats"
	"github.com/web5design/collab/triple"
	"github.com/web5design/collab/wire"
)

var errRemoteState = errors.New("remote state has mismatching type")

// Type Client is the client side of the Agora plug-in.  It owns the
// local capture and encoding state; per-remote decoding state lives
// in RemoteState values created by ReceiveClientConnect.
type Client struct {
	config Config
	deps   Deps

	// HeadPosition is polled on each tick for the local viewer's
	// head position in navigational coordinates.  The host
	// application sets it before connecting; it must be safe to
	// call from the main thread.
	HeadPosition func() wire.Point

	// audio encoding state
	speexEncoder    codecs.SpeexEncoder
	audioSource     device.AudioSource
	speexFrameSize  int
	speexPacketSize int
	packetQueue     *dropout.Buffer
	pauseAudio      atomic.Bool
	encodeErrors    atomic.Uint32
	audioQuit       chan struct{}
	audioDone       chan struct{}

	// video encoding state
	hasTheora     bool
	videoDevice   device.VideoDevice
	extractor     device.Extractor
	theoraEncoder codecs.TheoraEncoder
	theoraHeaders []byte
	frameBuffer   *triple.Buffer[*image.YCbCr]
	outPackets    *triple.Buffer[[]byte]
	pauseVideo    atomic.Bool
	videoErrors   atomic.Uint32

	mu             sync.Mutex
	videoTransform wire.Transform
}

// NewClient creates the client side of the plug-in.  Device-open
// failures are not fatal: the client degrades to receive-only for
// the affected medium.
func NewClient(config Config, deps Deps) *Client {
	config.fillDefaults()
	c := &Client{
		config:         config,
		deps:           deps,
		HeadPosition:   func() wire.Point { return wire.Point{} },
		videoTransform: config.VideoTransform,
	}
	c.pauseAudio.Store(config.PauseAudioOnStart)
	c.pauseVideo.Store(config.PauseVideoOnStart)

	c.initAudio()
	c.initVideo()
	return c
}

func (c *Client) initAudio() {
	if c.deps.NewSpeexEncoder == nil || c.deps.OpenAudioSource == nil {
		return
	}
	scfg := codecs.SpeexConfig{
		SampleRate: c.config.SpeexSampleRate,
		FrameSize:  c.config.SpeexFrameSize,
	}
	enc, err := c.deps.NewSpeexEncoder(scfg)
	if err != nil {
		log.Printf("Speex encoder: %v (sending no audio)", err)
		return
	}
	src, err := c.deps.OpenAudioSource(scfg)
	if err != nil {
		log.Printf("Audio source: %v (sending no audio)", err)
		enc.Close()
		return
	}
	c.speexEncoder = enc
	c.audioSource = src
	c.speexFrameSize = enc.FrameSize()
	c.speexPacketSize = enc.PacketSize()
	c.packetQueue = dropout.New(
		c.speexPacketSize, c.config.JitterBufferSize,
	)
	c.audioQuit = make(chan struct{})
	c.audioDone = make(chan struct{})
	go c.audioCaptureLoop()
}

func (c *Client) initVideo() {
	if c.config.VideoDeviceName == "" ||
		c.deps.OpenVideoDevice == nil ||
		c.deps.NewTheoraEncoder == nil {
		return
	}
	dev, ext, err := c.deps.OpenVideoDevice(
		c.config.VideoDeviceName, c.config.VideoFormat,
	)
	if err != nil {
		log.Printf("Video device: %v (sending no video)", err)
		return
	}
	enc, err := c.deps.NewTheoraEncoder(codecs.TheoraConfig{
		Bitrate: c.config.TheoraBitrate,
		Quality: c.config.TheoraQuality,
		GopSize: c.config.TheoraGopSize,
	})
	if err != nil {
		log.Printf("Theora encoder: %v (sending no video)", err)
		dev.Close()
		return
	}
	c.videoDevice = dev
	c.extractor = ext
	c.theoraEncoder = enc
	c.theoraHeaders = enc.Headers()
	c.frameBuffer = triple.New[*image.YCbCr]()
	c.outPackets = triple.New[[]byte]()
	err = dev.StartStreaming(c.videoCaptureCallback)
	if err != nil {
		log.Printf("Video streaming: %v (sending no video)", err)
		enc.Close()
		dev.Close()
		c.theoraEncoder = nil
		c.videoDevice = nil
		return
	}
	c.hasTheora = true
}

// audioCaptureLoop reads PCM from the microphone, encodes it, and
// pushes the packets for the next tick to gather.  It runs until
// Close or a device error.
func (c *Client) audioCaptureLoop() {
	defer close(c.audioDone)
	pcm := make([]int16, c.speexFrameSize)
	for {
		select {
		case <-c.audioQuit:
			return
		default:
		}
		err := c.audioSource.ReadFrame(pcm)
		if err != nil {
			select {
			case <-c.audioQuit:
			default:
				log.Printf("Audio capture: %v", err)
			}
			return
		}
		if c.pauseAudio.Load() {
			continue
		}
		err = c.speexEncoder.Encode(pcm, c.packetQueue.WriteSegment())
		if err != nil {
			c.encodeErrors.Add(1)
			continue
		}
		c.packetQueue.Push()
	}
}

// videoCaptureCallback runs on the capture device's thread.  It only
// extracts and posts; encoding happens at tick rate.
func (c *Client) videoCaptureCallback(fb *device.FrameBuffer) {
	if c.pauseVideo.Load() {
		return
	}
	slot := c.frameBuffer.StartNewValue()
	if *slot == nil || (*slot).Rect.Dx() != fb.Width ||
		(*slot).Rect.Dy() != fb.Height {
		*slot = image.NewYCbCr(
			image.Rect(0, 0, fb.Width, fb.Height),
			image.YCbCrSubsampleRatio420,
		)
	}
	err := c.extractor.ExtractYCbCr(fb, *slot)
	if err != nil {
		c.videoErrors.Add(1)
		return
	}
	c.frameBuffer.PostNewValue()
}

// PauseAudio suspends audio transmission without tearing down the
// encoder; capture keeps draining the device.
func (c *Client) PauseAudio(pause bool) {
	c.pauseAudio.Store(pause)
}

// PauseVideo suspends video transmission.
func (c *Client) PauseVideo(pause bool) {
	c.pauseVideo.Store(pause)
}

// SetVideoTransform updates the billboard placement sent with
// subsequent ticks.
func (c *Client) SetVideoTransform(t wire.Transform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoTransform = t
}

func (c *Client) getVideoTransform() wire.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoTransform
}

func (c *Client) Name() string {
	return ProtocolName
}

func (c *Client) NumMessages() int {
	return numMessages
}

func (c *Client) SendConnectRequest(w *wire.Writer) {
	b := connectBody{
		speexFrameSize:  uint32(c.speexFrameSize),
		speexPacketSize: uint32(c.speexPacketSize),
		capacity:        uint32(c.config.JitterBufferSize),
		hasTheora:       c.hasTheora,
		theoraHeaders:   c.theoraHeaders,
		videoSize:       c.config.VideoSize,
	}
	b.write(w, true)
}

func (c *Client) ReceiveConnectReply(r *wire.Reader) error {
	return nil
}

func (c *Client) ReceiveConnectReject(r *wire.Reader) error {
	return nil
}

// Frame drains the video encoder: if the capture thread posted a new
// frame since the last tick, encode it and keep the newest packet
// for SendClientUpdate.
func (c *Client) Frame() {
	if !c.hasTheora || !c.frameBuffer.LockNewValue() {
		return
	}
	frame := *c.frameBuffer.LockedValue()
	packets, err := c.theoraEncoder.Encode(frame)
	if err != nil {
		c.videoErrors.Add(1)
		return
	}
	if len(packets) == 0 {
		return
	}
	last := packets[len(packets)-1]
	slot := c.outPackets.StartNewValue()
	*slot = append((*slot)[:0], last...)
	c.outPackets.PostNewValue()
}

func (c *Client) SendClientUpdate(w *wire.Writer) {
	if c.speexFrameSize > 0 {
		n := c.packetQueue.Lock()
		w.WriteUint16(uint16(n))
		for i := 0; i < n; i++ {
			w.WriteBytes(c.packetQueue.Segment(i))
		}
		c.packetQueue.Unlock()
		w.WritePoint(c.HeadPosition())
	}
	if c.hasTheora {
		if c.outPackets.LockNewValue() {
			w.WriteBool(true)
			w.WriteBlob(*c.outPackets.LockedValue())
		} else {
			w.WriteBool(false)
		}
		w.WriteTransform(c.getVideoTransform())
	}
}

func (c *Client) ReceiveClientConnect(r *wire.Reader) (protocol.RemoteClientState, error) {
	b, err := parseConnectBody(r, false)
	if err != nil {
		return nil, err
	}
	if b.speexFrameSize > 0 &&
		(b.speexPacketSize == 0 ||
			b.speexPacketSize > maxSpeexPacketSize) {
		return nil, protocol.ProtocolError("bad SPEEX packet size")
	}
	return newRemoteState(c, b)
}

func (c *Client) ReceiveServerUpdate(rcs protocol.RemoteClientState, r *wire.Reader) error {
	rs, ok := rcs.(*RemoteState)
	if !ok {
		return errRemoteState
	}
	return rs.receiveUpdate(r)
}

func (c *Client) FrameRemote(rcs protocol.RemoteClientState) {
	rs, ok := rcs.(*RemoteState)
	if !ok {
		log.Printf("Agora: %v", errRemoteState)
		return
	}
	rs.frame()
}

func (c *Client) GLRenderAction(rcs protocol.RemoteClientState, r device.Renderer) {
	rs, ok := rcs.(*RemoteState)
	if !ok {
		log.Printf("Agora: %v", errRemoteState)
		return
	}
	rs.glRenderAction(r)
}

func (c *Client) ALRenderAction(rcs protocol.RemoteClientState, ac device.AudioContext) {
	rs, ok := rcs.(*RemoteState)
	if !ok {
		log.Printf("Agora: %v", errRemoteState)
		return
	}
	rs.alRenderAction(ac)
}

func (c *Client) Close() error {
	if c.audioQuit != nil {
		close(c.audioQuit)
		c.audioSource.Close()
		<-c.audioDone
		c.speexEncoder.Close()
	}
	if c.videoDevice != nil {
		c.videoDevice.StopStreaming()
		c.videoDevice.Close()
	}
	if c.theoraEncoder != nil {
		c.theoraEncoder.Close()
	}
	return nil
}

// Type RemoteState holds the decoding state for one remote client:
// the audio jitter queue and playback source, the video decoder
// thread, and the triple-buffered spatial metadata.
type RemoteState struct {
	client *Client

	// audio decoding state
	speexFrameSize  int
	speexPacketSize int
	packetQueue     *dropout.Buffer
	headPosition    *triple.Buffer[wire.Point]
	jitter          *jitter.Estimator
	arrived         uint32 // synthetic timestamp, in samples
	audioErrors     atomic.Uint32
	decodeErrors    atomic.Uint32

	// video decoding state
	hasTheora      bool
	videoSize      [2]wire.Scalar
	packetBuffer   *triple.Buffer[[]byte]
	videoTransform *triple.Buffer[wire.Transform]
	decoder        codecs.TheoraDecoder
	frameBuffer    *triple.Buffer[*image.YCbCr]

	cond      sync.Cond
	mu        sync.Mutex
	newPacket bool
	closed    bool
	done      chan struct{}

	// main-thread state, latched once per tick
	head      wire.Point
	transform wire.Transform
	lastFrame *image.YCbCr

	// playback state, created lazily on the first audio render
	// pass
	al alState
}

type alState struct {
	inited  bool
	failed  bool
	decoder codecs.SpeexDecoder
	source  device.Source
	free    []device.BufferID
	pcm     []int16
}

func newRemoteState(c *Client, b connectBody) (*RemoteState, error) {
	rs := &RemoteState{
		client:          c,
		speexFrameSize:  int(b.speexFrameSize),
		speexPacketSize: int(b.speexPacketSize),
		hasTheora:       b.hasTheora,
		videoSize:       b.videoSize,
		headPosition:    triple.New[wire.Point](),
		transform:       wire.Identity,
		done:            make(chan struct{}),
	}
	rs.cond.L = &rs.mu

	if rs.speexFrameSize > 0 {
		rs.packetQueue = dropout.New(
			rs.speexPacketSize, c.config.JitterBufferSize,
		)
		rs.jitter = jitter.New(uint32(c.config.SpeexSampleRate))
	}

	if rs.hasTheora {
		if c.deps.NewTheoraDecoder == nil {
			return nil, errors.New("no Theora decoder available")
		}
		dec, err := c.deps.NewTheoraDecoder(b.theoraHeaders)
		if err != nil {
			return nil, err
		}
		rs.decoder = dec
		rs.packetBuffer = triple.New[[]byte]()
		rs.videoTransform = triple.New[wire.Transform]()
		rs.frameBuffer = triple.New[*image.YCbCr]()
		go rs.videoDecodeLoop()
	} else {
		close(rs.done)
	}
	return rs, nil
}

// receiveUpdate runs on the framework's receiver thread.  It only
// writes into the dropout and triple buffers; decoding happens
// elsewhere.
func (rs *RemoteState) receiveUpdate(r *wire.Reader) error {
	if rs.speexFrameSize > 0 {
		n, err := r.ReadUint16()
		if err != nil {
			return err
		}
		for i := 0; i < int(n); i++ {
			err = r.ReadBytes(rs.packetQueue.WriteSegment())
			if err != nil {
				return err
			}
			rs.packetQueue.Push()
			rs.arrived += uint32(rs.speexFrameSize)
			rs.jitter.Accumulate(rs.arrived)
		}
		head, err := r.ReadPoint()
		if err != nil {
			return err
		}
		rs.headPosition.Post(head)
	}
	if rs.hasTheora {
		hasNew, err := r.ReadBool()
		if err != nil {
			return err
		}
		if hasNew {
			packet, err := r.ReadBlob()
			if err != nil {
				return err
			}
			slot := rs.packetBuffer.StartNewValue()
			*slot = append((*slot)[:0], packet...)
			rs.packetBuffer.PostNewValue()

			rs.mu.Lock()
			rs.newPacket = true
			rs.mu.Unlock()
			rs.cond.Signal()
		}
		t, err := r.ReadTransform()
		if err != nil {
			return err
		}
		rs.videoTransform.Post(t)
	}
	return nil
}

// videoDecodeLoop waits for compressed packets, decodes them, and
// publishes finished frames for the renderer.  Each wake checks for
// cancellation first.
func (rs *RemoteState) videoDecodeLoop() {
	defer close(rs.done)
	for {
		rs.mu.Lock()
		for !rs.newPacket && !rs.closed {
			rs.cond.Wait()
		}
		if rs.closed {
			rs.mu.Unlock()
			return
		}
		rs.newPacket = false
		rs.mu.Unlock()

		if !rs.packetBuffer.LockNewValue() {
			continue
		}
		packet := *rs.packetBuffer.LockedValue()
		frame, err := rs.decoder.Decode(packet)
		if err != nil {
			rs.decodeErrors.Add(1)
			continue
		}
		if frame == nil {
			continue
		}
		slot := rs.frameBuffer.StartNewValue()
		copyYCbCr(slot, frame)
		rs.frameBuffer.PostNewValue()
	}
}

// copyYCbCr copies src into *dst, reallocating if the geometry
// changed.  The decoder owns src only until its next call.
func copyYCbCr(dst **image.YCbCr, src *image.YCbCr) {
	d := *dst
	if d == nil || len(d.Y) != len(src.Y) ||
		len(d.Cb) != len(src.Cb) || len(d.Cr) != len(src.Cr) {
		d = &image.YCbCr{
			Y:  make([]byte, len(src.Y)),
			Cb: make([]byte, len(src.Cb)),
			Cr: make([]byte, len(src.Cr)),
		}
		*dst = d
	}
	d.YStride = src.YStride
	d.CStride = src.CStride
	d.SubsampleRatio = src.SubsampleRatio
	d.Rect = src.Rect
	copy(d.Y, src.Y)
	copy(d.Cb, src.Cb)
	copy(d.Cr, src.Cr)
}

// frame latches the most recent spatial metadata for this tick's
// render passes.
func (rs *RemoteState) frame() {
	if rs.headPosition.LockNewValue() {
		rs.head = *rs.headPosition.LockedValue()
	}
	if rs.hasTheora && rs.videoTransform.LockNewValue() {
		rs.transform = *rs.videoTransform.LockedValue()
	}
}

func (rs *RemoteState) glRenderAction(r device.Renderer) {
	r.DrawViewer(rs.head)
	if !rs.hasTheora {
		return
	}
	if rs.frameBuffer.LockNewValue() {
		rs.lastFrame = *rs.frameBuffer.LockedValue()
	}
	if rs.lastFrame != nil {
		r.DrawBillboard(rs.lastFrame, rs.transform, rs.videoSize)
	}
}

// alRenderAction runs the playback pump: recycle processed buffers,
// decode as many pending packets as there are free buffers, and
// restart the source if it underran.
func (rs *RemoteState) alRenderAction(ac device.AudioContext) {
	if rs.speexFrameSize == 0 {
		return
	}
	al := &rs.al
	if !al.inited {
		al.inited = true
		if rs.client.deps.NewSpeexDecoder == nil {
			log.Printf("No Speex decoder available")
			al.failed = true
			return
		}
		dec, err := rs.client.deps.NewSpeexDecoder(
			rs.speexFrameSize, rs.speexPacketSize,
		)
		if err != nil {
			log.Printf("Speex decoder: %v", err)
			al.failed = true
			return
		}
		source, buffers, err := ac.NewSource(
			rs.client.config.JitterBufferSize,
			rs.client.config.SpeexSampleRate,
		)
		if err != nil {
			log.Printf("Audio source: %v", err)
			dec.Close()
			al.failed = true
			return
		}
		al.decoder = dec
		al.source = source
		al.free = buffers
		al.pcm = make([]int16, rs.speexFrameSize)
	}
	if al.failed {
		return
	}

	processed, err := al.source.Unqueue()
	if err != nil {
		log.Printf("Audio unqueue: %v", err)
		return
	}
	al.free = append(al.free, processed...)

	n := rs.packetQueue.Lock()
	i := 0
	for len(al.free) > 0 && i < n {
		packet := rs.packetQueue.Segment(i)
		i++
		err := al.decoder.Decode(packet, al.pcm)
		if err != nil {
			rs.audioErrors.Add(1)
			continue
		}
		id := al.free[len(al.free)-1]
		al.free = al.free[:len(al.free)-1]
		err = al.source.Queue(id, al.pcm)
		if err != nil {
			log.Printf("Audio queue: %v", err)
			al.free = append(al.free, id)
			break
		}
	}
	rs.packetQueue.Unlock()

	if al.source.State() != device.SourcePlaying &&
		al.source.Queued() >= 2 {
		err := al.source.Play()
		if err != nil {
			log.Printf("Audio play: %v", err)
		}
	}
}

// GetStats reports the playback-side counters for this remote
// client.
func (rs *RemoteState) GetStats() *stats.Client {
	c := &stats.Client{}
	if rs.speexFrameSize > 0 {
		c.Audio = &stats.Stream{
			Drops: rs.packetQueue.Drops() +
				rs.audioErrors.Load(),
		}
		if hz := rs.jitter.HZ(); hz > 0 {
			c.Audio.Jitter = rs.jitter.Jitter() * 1000 / hz
		}
	}
	if rs.hasTheora {
		c.Video = &stats.Stream{
			Drops: rs.decodeErrors.Load(),
		}
	}
	return c
}

// Close cancels the video decoder thread and releases the playback
// state.  It must be called from the main thread.
func (rs *RemoteState) Close() error {
	if rs.hasTheora {
		rs.mu.Lock()
		rs.closed = true
		rs.mu.Unlock()
		rs.cond.Broadcast()
		<-rs.done
		rs.decoder.Close()
	}
	if rs.al.decoder != nil {
		rs.al.decoder.Close()
	}
	if rs.al.source != nil {
		rs.al.source.Close()
	}
	return nil
}
