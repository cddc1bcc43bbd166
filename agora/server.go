package agora

import (
	"errors"
	"time"

	"github.com/web5design/collab/dropout"
	"github.com/web5design/collab/estimator"
	"github.com/web5design/collab/protocol"
	"github.com/web5design/collab/stats"
	"github.com/web5design/collab/triple"
	"github.com/web5design/collab/wire"
)

var errClientState = errors.New("client state has mismatching type")

// Type Server is the server side of the Agora plug-in.  It forwards
// each client's packets to every other client; it never decodes.
type Server struct {
	// MaxPacketBufferCapacity clamps the queue depth a client may
	// request in its connect body.
	MaxPacketBufferCapacity int
}

const defaultMaxCapacity = 256

func NewServer() *Server {
	return &Server{
		MaxPacketBufferCapacity: defaultMaxCapacity,
	}
}

// Type ClientState is the server's per-client state: the inbound
// audio queue, the latest video packet and spatial metadata, and the
// immutable Theora headers blob kept for late joiners.
type ClientState struct {
	speexFrameSize  uint32
	speexPacketSize uint32
	packetQueue     *dropout.Buffer
	headPosition    *triple.Buffer[wire.Point]
	audioRate       *estimator.Estimator

	hasTheora     bool
	theoraHeaders []byte
	videoSize     [2]wire.Scalar
	packetBuffer  *triple.Buffer[[]byte]
	transform     *triple.Buffer[wire.Transform]
	videoRate     *estimator.Estimator

	// tick snapshot, frozen by BeforeServerUpdate
	numSpeexPackets int
	lockedHead      wire.Point
	hasTheoraPacket bool
	lockedTransform wire.Transform
}

func (cs *ClientState) Close() error {
	return nil
}

// GetStats reports the inbound rates and loss counters for this
// client.
func (cs *ClientState) GetStats() *stats.Client {
	c := &stats.Client{}
	if cs.speexFrameSize > 0 {
		rate, packetRate := cs.audioRate.Estimate()
		packets, bytes := cs.audioRate.Totals()
		c.Audio = &stats.Stream{
			Rate:       rate,
			PacketRate: packetRate,
			Packets:    packets,
			Bytes:      bytes,
			Drops:      cs.packetQueue.Drops(),
		}
	}
	if cs.hasTheora {
		rate, packetRate := cs.videoRate.Estimate()
		packets, bytes := cs.videoRate.Totals()
		c.Video = &stats.Stream{
			Rate:       rate,
			PacketRate: packetRate,
			Packets:    packets,
			Bytes:      bytes,
		}
	}
	return c
}

func (s *Server) Name() string {
	return ProtocolName
}

func (s *Server) NumMessages() int {
	return numMessages
}

func (s *Server) ReceiveConnectRequest(r *wire.Reader) (protocol.ClientState, error) {
	b, err := parseConnectBody(r, true)
	if err != nil {
		return nil, err
	}

	cs := &ClientState{
		speexFrameSize:  b.speexFrameSize,
		speexPacketSize: b.speexPacketSize,
		hasTheora:       b.hasTheora,
		theoraHeaders:   b.theoraHeaders,
		videoSize:       b.videoSize,
		headPosition:    triple.New[wire.Point](),
		lockedTransform: wire.Identity,
	}

	if b.speexFrameSize > 0 {
		if b.speexPacketSize == 0 ||
			b.speexPacketSize > maxSpeexPacketSize {
			return nil, protocol.ProtocolError(
				"bad SPEEX packet size",
			)
		}
		capacity := int(b.capacity)
		if capacity <= 0 {
			return nil, protocol.ProtocolError(
				"bad SPEEX buffer capacity",
			)
		}
		// the hint comes from the network; don't let a client
		// pick the allocation size
		if capacity > s.MaxPacketBufferCapacity {
			capacity = s.MaxPacketBufferCapacity
		}
		cs.packetQueue = dropout.New(
			int(b.speexPacketSize), capacity,
		)
		cs.audioRate = estimator.New(time.Second)
	}

	if b.hasTheora {
		cs.packetBuffer = triple.New[[]byte]()
		cs.transform = triple.New[wire.Transform]()
		cs.videoRate = estimator.New(time.Second)
	}

	return cs, nil
}

// ReceiveClientUpdate runs on the client's receiver thread; it only
// writes into the dropout and triple buffers.
func (s *Server) ReceiveClientUpdate(state protocol.ClientState, r *wire.Reader) error {
	cs, ok := state.(*ClientState)
	if !ok {
		return errClientState
	}

	if cs.speexFrameSize > 0 {
		n, err := r.ReadUint16()
		if err != nil {
			return err
		}
		for i := 0; i < int(n); i++ {
			err = r.ReadBytes(cs.packetQueue.WriteSegment())
			if err != nil {
				return err
			}
			cs.packetQueue.Push()
			cs.audioRate.Accumulate(cs.speexPacketSize)
		}
		head, err := r.ReadPoint()
		if err != nil {
			return err
		}
		cs.headPosition.Post(head)
	}

	if cs.hasTheora {
		hasNew, err := r.ReadBool()
		if err != nil {
			return err
		}
		if hasNew {
			packet, err := r.ReadBlob()
			if err != nil {
				return err
			}
			slot := cs.packetBuffer.StartNewValue()
			*slot = append((*slot)[:0], packet...)
			cs.packetBuffer.PostNewValue()
			cs.videoRate.Accumulate(uint32(len(packet)))
		}
		t, err := r.ReadTransform()
		if err != nil {
			return err
		}
		cs.transform.Post(t)
	}
	return nil
}

// SendClientConnect writes the connect-forward body for the source
// client: its stream parameters and, for video, the headers blob a
// late joiner needs before any frame.
func (s *Server) SendClientConnect(state protocol.ClientState, w *wire.Writer) error {
	cs, ok := state.(*ClientState)
	if !ok {
		return errClientState
	}
	b := connectBody{
		speexFrameSize:  cs.speexFrameSize,
		speexPacketSize: cs.speexPacketSize,
		hasTheora:       cs.hasTheora,
		theoraHeaders:   cs.theoraHeaders,
		videoSize:       cs.videoSize,
	}
	b.write(w, false)
	return nil
}

// BeforeServerUpdate freezes the client's pending packets and
// metadata, so that every destination receives the same batch this
// tick.
func (s *Server) BeforeServerUpdate(state protocol.ClientState) error {
	cs, ok := state.(*ClientState)
	if !ok {
		return errClientState
	}
	if cs.speexFrameSize > 0 {
		cs.numSpeexPackets = cs.packetQueue.Lock()
		if cs.headPosition.LockNewValue() {
			cs.lockedHead = *cs.headPosition.LockedValue()
		}
	}
	if cs.hasTheora {
		cs.hasTheoraPacket = cs.packetBuffer.LockNewValue()
		if cs.transform.LockNewValue() {
			cs.lockedTransform = *cs.transform.LockedValue()
		}
	}
	return nil
}

func (s *Server) SendServerUpdate(state protocol.ClientState, w *wire.Writer) error {
	cs, ok := state.(*ClientState)
	if !ok {
		return errClientState
	}
	if cs.speexFrameSize > 0 {
		w.WriteUint16(uint16(cs.numSpeexPackets))
		for i := 0; i < cs.numSpeexPackets; i++ {
			w.WriteBytes(cs.packetQueue.Segment(i))
		}
		w.WritePoint(cs.lockedHead)
	}
	if cs.hasTheora {
		if cs.hasTheoraPacket {
			w.WriteBool(true)
			w.WriteBlob(*cs.packetBuffer.LockedValue())
		} else {
			w.WriteBool(false)
		}
		w.WriteTransform(cs.lockedTransform)
	}
	return nil
}

func (s *Server) AfterServerUpdate(state protocol.ClientState) error {
	cs, ok := state.(*ClientState)
	if !ok {
		return errClientState
	}
	if cs.speexFrameSize > 0 {
		cs.packetQueue.Unlock()
	}
	return nil
}
