package server

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/web5design/collab/protocol"
	"github.com/web5design/collab/unbounded"
	"github.com/web5design/collab/wire"
)

// the version of the framework-level protocol
const protocolVersion = 1

const (
	maxMessageSize  = 2 << 20
	handshakeTime   = 30 * time.Second
	writeTime       = 10 * time.Second
	maxPendingSends = 512
)

type client struct {
	server   *Server
	id       uint32
	name     string
	username string
	conn     *websocket.Conn

	// the protocols the client offered, in wire order
	protocols []protocol.Server
	states    []protocol.ClientState

	out     *unbounded.Channel[[]byte]
	pending atomic.Int32

	closed    chan struct{}
	abortOnce sync.Once
	closeOnce sync.Once
}

// send enqueues a message on the client's writer.  It never blocks;
// a client that cannot drain its queue is disconnected.
func (c *client) send(msg []byte) {
	if c.pending.Add(1) > maxPendingSends {
		log.Printf("Client %v: send queue overflow", c.id)
		c.abort()
		return
	}
	c.out.Put(msg)
}

// abort stops the writer and closes the connection; the reader then
// fails and performs the full cleanup.
func (c *client) abort() {
	c.abortOnce.Do(func() {
		close(c.closed)
	})
}

func (c *client) writer() {
	defer c.conn.Close()
	for {
		select {
		case <-c.out.Ch:
			for _, msg := range c.out.Get() {
				c.pending.Add(-1)
				c.conn.SetWriteDeadline(
					time.Now().Add(writeTime),
				)
				err := c.conn.WriteMessage(
					websocket.BinaryMessage, msg,
				)
				if err != nil {
					return
				}
			}
		case <-c.closed:
			return
		}
	}
}

func message(id uint16) *wire.Writer {
	w := wire.NewWriter()
	w.WriteUint16(id)
	return w
}

func rejectMessage(reason string) []byte {
	w := message(protocol.ConnectRejectMessage)
	w.WriteString(reason)
	return w.Bytes()
}

// serveClient runs the connect handshake and then the read loop.  It
// owns the connection until it returns.
func (s *Server) serveClient(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	c, err := s.handshake(conn)
	if err != nil {
		log.Printf("Connect: %v", err)
		conn.SetWriteDeadline(time.Now().Add(writeTime))
		conn.WriteMessage(
			websocket.BinaryMessage, rejectMessage(err.Error()),
		)
		conn.Close()
		return
	}

	err = c.readLoop()
	var perr protocol.ProtocolError
	if errors.As(err, &perr) {
		log.Printf("Client %v: %v", c.id, err)
	}
	s.closeClient(c)
}

// handshake reads and validates the connect request.  On any error
// the states created so far are destroyed, so that a rejected
// connection leaks nothing.
func (s *Server) handshake(conn *websocket.Conn) (*client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTime))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	if mt != websocket.BinaryMessage {
		return nil, protocol.ProtocolError("bad message type")
	}

	r := wire.NewReader(data)
	id, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if id != protocol.ConnectRequestMessage {
		return nil, protocol.ProtocolError("expected connect request")
	}
	version, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if version != protocolVersion {
		return nil, protocol.ProtocolError("protocol version mismatch")
	}
	name, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	password, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	tok, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	username, err = s.authorise(username, password, tok)
	if err != nil {
		return nil, err
	}

	numProtocols, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	c := &client{
		server:   s,
		name:     name,
		username: username,
		conn:     conn,
		out:      unbounded.New[[]byte](),
		closed:   make(chan struct{}),
	}
	fail := func(err error) (*client, error) {
		for _, state := range c.states {
			state.Close()
		}
		return nil, err
	}
	for i := 0; i < int(numProtocols); i++ {
		pname, err := r.ReadString()
		if err != nil {
			return fail(err)
		}
		body, err := r.ReadBlob()
		if err != nil {
			return fail(err)
		}
		p := s.findProtocol(pname)
		if p == nil {
			return fail(protocol.ProtocolError(
				"unknown protocol " + pname,
			))
		}
		br := wire.NewReader(body)
		state, err := p.ReceiveConnectRequest(br)
		if err != nil {
			return fail(err)
		}
		if err := br.Finish(); err != nil {
			state.Close()
			return fail(err)
		}
		c.protocols = append(c.protocols, p)
		c.states = append(c.states, state)
	}
	if err := r.Finish(); err != nil {
		return fail(err)
	}

	err = s.addClient(c)
	if err != nil {
		return fail(err)
	}
	return c, nil
}

// addClient registers the new client, sends its connect reply, and
// exchanges connect-forward messages with the existing clients.  It
// holds the tick lock throughout, so the new client receives every
// peer's connect-forward before any server-update mentioning it.
func (s *Server) addClient(c *client) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	s.nextId++
	c.id = s.nextId
	s.clients[c.id] = c
	others := make([]*client, 0, len(s.clients)-1)
	for _, o := range s.clients {
		if o != c {
			others = append(others, o)
		}
	}
	s.mu.Unlock()

	go c.writer()

	reply := message(protocol.ConnectReplyMessage)
	reply.WriteUint32(c.id)
	reply.WriteUint16(uint16(len(c.protocols)))
	for range c.protocols {
		reply.WriteBlob(nil)
	}
	c.send(reply.Bytes())

	fail := func(err error) error {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.abort()
		return err
	}

	for _, o := range others {
		msg, err := clientConnectMessage(o)
		if err != nil {
			return fail(err)
		}
		c.send(msg)
	}
	msg, err := clientConnectMessage(c)
	if err != nil {
		return fail(err)
	}
	for _, o := range others {
		o.send(msg)
	}
	return nil
}

// clientConnectMessage builds the connect-forward message describing
// c, including each of its protocols' bootstrap data.
func clientConnectMessage(c *client) ([]byte, error) {
	w := message(protocol.ClientConnectMessage)
	w.WriteUint32(c.id)
	w.WriteString(c.name)
	w.WriteUint16(uint16(len(c.protocols)))
	for i, p := range c.protocols {
		w.WriteString(p.Name())
		body := wire.NewWriter()
		err := p.SendClientConnect(c.states[i], body)
		if err != nil {
			return nil, err
		}
		w.WriteBlob(body.Bytes())
	}
	return w.Bytes(), nil
}

func (c *client) readLoop() error {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			return protocol.ProtocolError("bad message type")
		}
		r := wire.NewReader(data)
		id, err := r.ReadUint16()
		if err != nil {
			return err
		}
		switch id {
		case protocol.ClientUpdateMessage:
			err = c.handleUpdate(r)
			if err != nil {
				return err
			}
		case protocol.DisconnectRequestMessage:
			if err := r.Finish(); err != nil {
				return err
			}
			c.send(message(
				protocol.DisconnectReplyMessage,
			).Bytes())
			return nil
		default:
			return protocol.ProtocolError("unexpected message")
		}
	}
}

func (c *client) handleUpdate(r *wire.Reader) error {
	for i, p := range c.protocols {
		body, err := r.ReadBlob()
		if err != nil {
			return err
		}
		br := wire.NewReader(body)
		err = p.ReceiveClientUpdate(c.states[i], br)
		if err != nil {
			return err
		}
		if err := br.Finish(); err != nil {
			return err
		}
	}
	return r.Finish()
}

// closeClient removes the client, tells the other clients, and
// destroys its per-protocol states.  Holding the tick lock during
// removal guarantees no tick is still using the states afterwards.
func (s *Server) closeClient(c *client) {
	c.closeOnce.Do(func() {
		s.tickMu.Lock()
		s.mu.Lock()
		delete(s.clients, c.id)
		others := make([]*client, 0, len(s.clients))
		for _, o := range s.clients {
			others = append(others, o)
		}
		s.mu.Unlock()

		w := message(protocol.ClientDisconnectMessage)
		w.WriteUint32(c.id)
		msg := w.Bytes()
		for _, o := range others {
			o.send(msg)
		}
		s.tickMu.Unlock()

		c.abort()
		for _, state := range c.states {
			state.Close()
		}
	})
}
