package agora

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/web5design/collab/device"
	"github.com/web5design/collab/wire"
)

func testFrame(v int16, size int) []int16 {
	pcm := make([]int16, size)
	for i := range pcm {
		pcm[i] = v
	}
	return pcm
}

// drainUpdate runs SendClientUpdate and parses the audio part.
func drainUpdate(t *testing.T, c *Client) [][]byte {
	t.Helper()
	w := wire.NewWriter()
	c.SendClientUpdate(w)
	r := wire.NewReader(w.Bytes())
	n, err := r.ReadUint16()
	if err != nil {
		t.Fatalf("ReadUint16: %v", err)
	}
	packets := make([][]byte, n)
	for i := range packets {
		packets[i] = make([]byte, c.speexPacketSize)
		if err := r.ReadBytes(packets[i]); err != nil {
			t.Fatalf("ReadBytes: %v", err)
		}
	}
	if _, err := r.ReadPoint(); err != nil {
		t.Fatalf("ReadPoint: %v", err)
	}
	return packets
}

// collectPackets gathers updates until count packets arrived.
func collectPackets(t *testing.T, c *Client, count int) [][]byte {
	t.Helper()
	var packets [][]byte
	deadline := time.Now().Add(5 * time.Second)
	for len(packets) < count {
		if time.Now().After(deadline) {
			t.Fatalf("Got %v packets, expected %v",
				len(packets), count)
		}
		packets = append(packets, drainUpdate(t, c)...)
		time.Sleep(time.Millisecond)
	}
	return packets
}

func TestAudioPump(t *testing.T) {
	defer leaktest.Check(t)()

	src := newFakeAudioSource()
	c := NewClient(Config{SpeexFrameSize: 8}, audioDeps(src))
	defer c.Close()

	if c.speexFrameSize != 8 || c.speexPacketSize != 40 {
		t.Fatalf("Bad sizes: %v %v",
			c.speexFrameSize, c.speexPacketSize)
	}

	for i := int16(1); i <= 5; i++ {
		src.feed(testFrame(i, 8))
	}
	packets := collectPackets(t, c, 5)
	for i, p := range packets {
		if p[0] != byte(i+1) {
			t.Errorf("Packet %v: expected %v, got %v",
				i, i+1, p[0])
		}
	}
}

func TestAudioPause(t *testing.T) {
	defer leaktest.Check(t)()

	src := newFakeAudioSource()
	c := NewClient(Config{SpeexFrameSize: 8}, audioDeps(src))
	defer c.Close()

	src.feed(testFrame(1, 8))
	collectPackets(t, c, 1)

	c.PauseAudio(true)
	// the pump keeps draining the device while paused
	for i := int16(2); i <= 4; i++ {
		src.feed(testFrame(i, 8))
	}
	if packets := drainUpdate(t, c); len(packets) != 0 {
		t.Errorf("Paused client sent %v packets", len(packets))
	}

	c.PauseAudio(false)
	src.feed(testFrame(5, 8))
	packets := collectPackets(t, c, 1)
	if packets[0][0] != 5 {
		t.Errorf("Expected packet 5, got %v", packets[0][0])
	}
}

func TestVideoPump(t *testing.T) {
	defer leaktest.Check(t)()

	src := newFakeAudioSource()
	dev := &fakeVideoDevice{}
	headers := []byte("headers")
	deps := videoDeps(audioDeps(src), dev, headers)
	c := NewClient(Config{
		SpeexFrameSize:  8,
		VideoDeviceName: "test",
		VideoSize:       [2]wire.Scalar{4, 3},
	}, deps)
	defer c.Close()

	if !c.hasTheora {
		t.Fatalf("Video didn't initialise")
	}

	// no frame captured yet
	c.Frame()
	w := wire.NewWriter()
	c.SendClientUpdate(w)
	r := wire.NewReader(w.Bytes())
	skipAudio(t, r, c.speexPacketSize)
	hasNew, err := r.ReadBool()
	if err != nil || hasNew {
		t.Fatalf("Expected no packet, got %v, %v", hasNew, err)
	}

	dev.capture(&device.FrameBuffer{
		Data: []byte{42}, Width: 4, Height: 4,
	})
	c.Frame()
	w = wire.NewWriter()
	c.SendClientUpdate(w)
	r = wire.NewReader(w.Bytes())
	skipAudio(t, r, c.speexPacketSize)
	hasNew, err = r.ReadBool()
	if err != nil || !hasNew {
		t.Fatalf("Expected a packet, got %v, %v", hasNew, err)
	}
	packet, err := r.ReadBlob()
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if len(packet) != 2 || packet[1] != 42 {
		t.Errorf("Bad packet %v", packet)
	}
	if _, err := r.ReadTransform(); err != nil {
		t.Fatalf("ReadTransform: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func skipAudio(t *testing.T, r *wire.Reader, packetSize int) {
	t.Helper()
	n, err := r.ReadUint16()
	if err != nil {
		t.Fatalf("ReadUint16: %v", err)
	}
	buf := make([]byte, packetSize)
	for i := 0; i < int(n); i++ {
		if err := r.ReadBytes(buf); err != nil {
			t.Fatalf("ReadBytes: %v", err)
		}
	}
	if _, err := r.ReadPoint(); err != nil {
		t.Fatalf("ReadPoint: %v", err)
	}
}

func TestVideoPause(t *testing.T) {
	defer leaktest.Check(t)()

	src := newFakeAudioSource()
	dev := &fakeVideoDevice{}
	deps := videoDeps(audioDeps(src), dev, []byte("h"))
	c := NewClient(Config{
		SpeexFrameSize:  8,
		VideoDeviceName: "test",
	}, deps)
	defer c.Close()

	c.PauseVideo(true)
	dev.capture(&device.FrameBuffer{
		Data: []byte{1}, Width: 4, Height: 4,
	})
	c.Frame()
	w := wire.NewWriter()
	c.SendClientUpdate(w)
	r := wire.NewReader(w.Bytes())
	skipAudio(t, r, c.speexPacketSize)
	hasNew, err := r.ReadBool()
	if err != nil || hasNew {
		t.Errorf("Paused client sent a video packet")
	}
}

// A client whose devices fail to open degrades to receive-only.
func TestReceiveOnly(t *testing.T) {
	defer leaktest.Check(t)()

	c := NewClient(Config{}, Deps{})
	defer c.Close()

	if c.speexFrameSize != 0 || c.hasTheora {
		t.Fatalf("Expected receive-only client")
	}

	w := wire.NewWriter()
	c.SendConnectRequest(w)
	r := wire.NewReader(w.Bytes())
	b, err := parseConnectBody(r, true)
	if err != nil {
		t.Fatalf("parseConnectBody: %v", err)
	}
	if b.speexFrameSize != 0 || b.hasTheora {
		t.Errorf("Expected empty connect body, got %v", b)
	}

	// an update from a receive-only client is empty
	w = wire.NewWriter()
	c.SendClientUpdate(w)
	if w.Len() != 0 {
		t.Errorf("Expected empty update, got %v bytes", w.Len())
	}
}

// newTestRemote builds a RemoteState from a source's connect body.
func newTestRemote(t *testing.T, c *Client, b connectBody) *RemoteState {
	t.Helper()
	w := wire.NewWriter()
	b.write(w, false)
	r := wire.NewReader(w.Bytes())
	rcs, err := c.ReceiveClientConnect(r)
	if err != nil {
		t.Fatalf("ReceiveClientConnect: %v", err)
	}
	return rcs.(*RemoteState)
}

// sendAudioUpdate builds a server-update body with the given packets.
func sendAudioUpdate(t *testing.T, rs *RemoteState, packets [][]byte, head wire.Point) {
	t.Helper()
	w := wire.NewWriter()
	w.WriteUint16(uint16(len(packets)))
	for _, p := range packets {
		w.WriteBytes(p)
	}
	w.WritePoint(head)
	r := wire.NewReader(w.Bytes())
	err := rs.receiveUpdate(r)
	if err != nil {
		t.Fatalf("receiveUpdate: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func audioPacket(v byte, size int) []byte {
	p := make([]byte, size)
	p[0] = v
	return p
}

func TestRemotePlayback(t *testing.T) {
	defer leaktest.Check(t)()

	c := NewClient(Config{JitterBufferSize: 4}, audioDeps(nil))
	defer c.Close()
	rs := newTestRemote(t, c, connectBody{
		speexFrameSize:  8,
		speexPacketSize: 4,
	})
	defer rs.Close()

	ac := &fakeAudioContext{}

	// nothing queued yet
	rs.alRenderAction(ac)
	source := ac.sources[0]
	if source.Queued() != 0 {
		t.Fatalf("Queued %v buffers", source.Queued())
	}

	sendAudioUpdate(t, rs, [][]byte{
		audioPacket(1, 4), audioPacket(2, 4), audioPacket(3, 4),
	}, wire.Point{1, 2, 3})

	rs.alRenderAction(ac)
	if source.Queued() != 3 {
		t.Fatalf("Queued %v buffers, expected 3", source.Queued())
	}
	if source.State() != device.SourcePlaying {
		t.Fatalf("Source isn't playing")
	}
	if source.plays != 1 {
		t.Fatalf("Expected 1 play, got %v", source.plays)
	}

	// each packet decodes to exactly one frame of PCM, and the
	// decoded samples carry the packet contents in order
	for i, id := range source.queued {
		if len(source.pcm[id]) != 8 {
			t.Errorf("Buffer %v: %v samples, expected 8",
				i, len(source.pcm[id]))
		}
		if source.pcm[id][0] != int16(i+1) {
			t.Errorf("Buffer %v: expected %v, got %v",
				i, i+1, source.pcm[id][0])
		}
	}

	// underrun: all buffers play out and the source stops
	source.process(3)
	rs.alRenderAction(ac)
	if source.State() != device.SourceStopped {
		t.Fatalf("Source restarted without data")
	}

	// next arrivals restart it
	sendAudioUpdate(t, rs, [][]byte{
		audioPacket(4, 4), audioPacket(5, 4),
	}, wire.Point{1, 2, 3})
	rs.alRenderAction(ac)
	if source.State() != device.SourcePlaying {
		t.Fatalf("Source didn't restart")
	}
	if source.plays != 2 {
		t.Fatalf("Expected 2 plays, got %v", source.plays)
	}

	rs.frame()
	if rs.head != (wire.Point{1, 2, 3}) {
		t.Errorf("Bad head position %v", rs.head)
	}
}

// A stalled render pass loses the oldest packets, not the newest.
func TestRemotePlaybackOverflow(t *testing.T) {
	defer leaktest.Check(t)()

	c := NewClient(Config{JitterBufferSize: 4}, audioDeps(nil))
	defer c.Close()
	rs := newTestRemote(t, c, connectBody{
		speexFrameSize:  8,
		speexPacketSize: 4,
	})
	defer rs.Close()

	for i := byte(1); i <= 10; i++ {
		sendAudioUpdate(t, rs, [][]byte{audioPacket(i, 4)},
			wire.Point{})
	}

	ac := &fakeAudioContext{}
	rs.alRenderAction(ac)
	source := ac.sources[0]
	if source.Queued() != 4 {
		t.Fatalf("Queued %v buffers, expected 4", source.Queued())
	}
	for i, id := range source.queued {
		if source.pcm[id][0] != int16(i+7) {
			t.Errorf("Buffer %v: expected %v, got %v",
				i, i+7, source.pcm[id][0])
		}
	}

	st := rs.GetStats()
	if st.Audio == nil || st.Audio.Drops != 6 {
		t.Errorf("Expected 6 drops, got %v", st.Audio)
	}
}

func TestRemoteVideoDecode(t *testing.T) {
	defer leaktest.Check(t)()

	src := newFakeAudioSource()
	dev := &fakeVideoDevice{}
	deps := videoDeps(audioDeps(src), dev, []byte("h"))
	c := NewClient(Config{SpeexFrameSize: 8}, deps)
	defer c.Close()

	rs := newTestRemote(t, c, connectBody{
		hasTheora:     true,
		theoraHeaders: []byte("remote headers"),
		videoSize:     [2]wire.Scalar{4, 3},
	})

	// deliver a video packet
	w := wire.NewWriter()
	w.WriteBool(true)
	w.WriteBlob([]byte{7, 99})
	tr := wire.Identity
	tr.Position = wire.Point{1, 0, 0}
	w.WriteTransform(tr)
	r := wire.NewReader(w.Bytes())
	if err := rs.receiveUpdate(r); err != nil {
		t.Fatalf("receiveUpdate: %v", err)
	}

	// the decoder thread publishes the frame asynchronously
	renderer := &fakeRenderer{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		rs.frame()
		rs.glRenderAction(renderer)
		if len(renderer.billboards) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Frame never rendered")
		}
		time.Sleep(time.Millisecond)
	}
	if renderer.billboards[0] != 99 {
		t.Errorf("Expected luma 99, got %v", renderer.billboards[0])
	}
	if renderer.transforms[0].Position != (wire.Point{1, 0, 0}) {
		t.Errorf("Bad transform %v", renderer.transforms[0])
	}
	if renderer.sizes[0] != ([2]wire.Scalar{4, 3}) {
		t.Errorf("Bad size %v", renderer.sizes[0])
	}

	// Close joins the decoder thread; leaktest verifies it
	if err := rs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// A remote without video must not spawn a decoder thread.
func TestRemoteNoVideo(t *testing.T) {
	defer leaktest.Check(t)()

	c := NewClient(Config{}, audioDeps(nil))
	defer c.Close()
	rs := newTestRemote(t, c, connectBody{
		speexFrameSize:  8,
		speexPacketSize: 4,
	})
	defer rs.Close()

	if rs.hasTheora {
		t.Fatalf("Remote has video")
	}
	select {
	case <-rs.done:
	default:
		t.Errorf("No decoder thread, but done isn't closed")
	}
}

// Packets arriving faster than the decoder drains them supersede
// each other; the rendered frame is always the most recent decoded
// one.
func TestRemoteVideoSupersede(t *testing.T) {
	defer leaktest.Check(t)()

	src := newFakeAudioSource()
	dev := &fakeVideoDevice{}
	deps := videoDeps(audioDeps(src), dev, []byte("h"))
	c := NewClient(Config{SpeexFrameSize: 8}, deps)
	defer c.Close()

	rs := newTestRemote(t, c, connectBody{
		hasTheora:     true,
		theoraHeaders: []byte("remote headers"),
	})
	defer rs.Close()

	for i := byte(1); i <= 20; i++ {
		w := wire.NewWriter()
		w.WriteBool(true)
		w.WriteBlob([]byte{i})
		w.WriteTransform(wire.Identity)
		r := wire.NewReader(w.Bytes())
		if err := rs.receiveUpdate(r); err != nil {
			t.Fatalf("receiveUpdate: %v", err)
		}
	}

	renderer := &fakeRenderer{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		rs.glRenderAction(renderer)
		n := len(renderer.billboards)
		if n > 0 && renderer.billboards[n-1] == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Never saw the last frame, billboards %v",
				renderer.billboards)
		}
		time.Sleep(time.Millisecond)
	}
	// frames never go backwards
	for i := 1; i < len(renderer.billboards); i++ {
		if renderer.billboards[i] < renderer.billboards[i-1] {
			t.Errorf("Frame went backwards: %v",
				renderer.billboards)
		}
	}
}
