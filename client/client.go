// Package client implements the collaboration client core: it owns
// the connection to the server, runs the connect handshake, keeps
// track of remote clients, and dispatches message bodies to the
// registered protocol plug-ins.
package client

import (
	"crypto/tls"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/web5design/collab/device"
	"github.com/web5design/collab/protocol"
	"github.com/web5design/collab/wire"
)

const protocolVersion = 1

const maxMessageSize = 2 << 20

// Type Credentials is what the client presents at connect time.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Type RejectedError is returned by Connect when the server refuses
// the connection.
type RejectedError string

func (err RejectedError) Error() string {
	return "connection rejected: " + string(err)
}

// Type Remote is one remote client as announced by the server.
type Remote struct {
	Id   uint32
	Name string

	// the remote's protocols in announced order; entries the
	// local client doesn't share have a nil plug-in
	protocols []remoteProtocol
}

type remoteProtocol struct {
	proto protocol.Client
	state protocol.RemoteClientState
}

func (r *Remote) close() {
	for _, rp := range r.protocols {
		if rp.state != nil {
			err := rp.state.Close()
			if err != nil {
				log.Printf("Remote %v: %v", r.Id, err)
			}
		}
	}
}

// Type Client is one collaboration session.  The host application
// registers its protocol plug-ins, connects, and then calls Frame
// once per tick and the render actions once per render pass, all
// from the main thread.
type Client struct {
	// Insecure skips TLS certificate verification; it is meant
	// for servers running with self-signed certificates.
	Insecure bool

	protocols []protocol.Client
	conn      *websocket.Conn
	id        uint32

	mu       sync.Mutex
	remotes  map[uint32]*Remote
	departed []*Remote

	writeMu sync.Mutex

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func New() *Client {
	return &Client{
		remotes: make(map[uint32]*Remote),
		done:    make(chan struct{}),
	}
}

// Register adds a protocol plug-in.  All plug-ins must be registered
// before Connect.
func (c *Client) Register(p protocol.Client) {
	c.protocols = append(c.protocols, p)
}

func (c *Client) findProtocol(name string) protocol.Client {
	for _, p := range c.protocols {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Id returns the server-assigned client id, valid after Connect.
func (c *Client) Id() uint32 {
	return c.id
}

// Connect dials the server, runs the connect handshake, and starts
// the receiver thread.
func (c *Client) Connect(url, name string, creds Credentials) error {
	dialer := *websocket.DefaultDialer
	if c.Insecure {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageSize)
	c.conn = conn

	w := wire.NewWriter()
	w.WriteUint16(protocol.ConnectRequestMessage)
	w.WriteUint32(protocolVersion)
	w.WriteString(name)
	w.WriteString(creds.Username)
	w.WriteString(creds.Password)
	w.WriteString(creds.Token)
	w.WriteUint16(uint16(len(c.protocols)))
	for _, p := range c.protocols {
		w.WriteString(p.Name())
		body := wire.NewWriter()
		p.SendConnectRequest(body)
		w.WriteBlob(body.Bytes())
	}
	err = c.write(w.Bytes())
	if err != nil {
		conn.Close()
		return err
	}

	err = c.awaitReply()
	if err != nil {
		conn.Close()
		return err
	}

	go c.readLoop()
	return nil
}

func (c *Client) awaitReply() error {
	c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

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
	case protocol.ConnectRejectMessage:
		reason, err := r.ReadString()
		if err != nil {
			return err
		}
		for _, p := range c.protocols {
			p.ReceiveConnectReject(wire.NewReader(nil))
		}
		return RejectedError(reason)
	case protocol.ConnectReplyMessage:
		c.id, err = r.ReadUint32()
		if err != nil {
			return err
		}
		n, err := r.ReadUint16()
		if err != nil {
			return err
		}
		if int(n) != len(c.protocols) {
			return protocol.ProtocolError(
				"protocol count mismatch",
			)
		}
		for _, p := range c.protocols {
			body, err := r.ReadBlob()
			if err != nil {
				return err
			}
			br := wire.NewReader(body)
			err = p.ReceiveConnectReply(br)
			if err != nil {
				return err
			}
			if err := br.Finish(); err != nil {
				return err
			}
		}
		return r.Finish()
	default:
		return protocol.ProtocolError("unexpected message")
	}
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// readLoop is the receiver thread.  It demultiplexes server messages
// and dispatches bodies to the plug-ins; any framing error is fatal
// for the connection.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		if mt != websocket.BinaryMessage {
			c.err = protocol.ProtocolError("bad message type")
			c.conn.Close()
			return
		}
		err = c.handleMessage(data)
		if err != nil {
			if !errors.Is(err, errDisconnected) {
				c.err = err
				log.Printf("Server connection: %v", err)
			}
			c.conn.Close()
			return
		}
	}
}

var errDisconnected = errors.New("disconnected")

func (c *Client) handleMessage(data []byte) error {
	r := wire.NewReader(data)
	id, err := r.ReadUint16()
	if err != nil {
		return err
	}
	switch id {
	case protocol.ClientConnectMessage:
		return c.handleClientConnect(r)
	case protocol.ClientDisconnectMessage:
		return c.handleClientDisconnect(r)
	case protocol.ServerUpdateMessage:
		return c.handleServerUpdate(r)
	case protocol.DisconnectReplyMessage:
		if err := r.Finish(); err != nil {
			return err
		}
		return errDisconnected
	default:
		return protocol.ProtocolError("unexpected message")
	}
}

func (c *Client) handleClientConnect(r *wire.Reader) error {
	id, err := r.ReadUint32()
	if err != nil {
		return err
	}
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	n, err := r.ReadUint16()
	if err != nil {
		return err
	}
	remote := &Remote{
		Id:   id,
		Name: name,
	}
	fail := func(err error) error {
		remote.close()
		return err
	}
	for i := 0; i < int(n); i++ {
		pname, err := r.ReadString()
		if err != nil {
			return fail(err)
		}
		body, err := r.ReadBlob()
		if err != nil {
			return fail(err)
		}
		var rp remoteProtocol
		if p := c.findProtocol(pname); p != nil {
			br := wire.NewReader(body)
			state, err := p.ReceiveClientConnect(br)
			if err != nil {
				return fail(err)
			}
			if err := br.Finish(); err != nil {
				state.Close()
				return fail(err)
			}
			rp = remoteProtocol{proto: p, state: state}
		}
		remote.protocols = append(remote.protocols, rp)
	}
	if err := r.Finish(); err != nil {
		return fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.remotes[id]; ok {
		remote.close()
		return protocol.ProtocolError("duplicate client id")
	}
	c.remotes[id] = remote
	return nil
}

func (c *Client) handleClientDisconnect(r *wire.Reader) error {
	id, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	remote, ok := c.remotes[id]
	if !ok {
		return protocol.ProtocolError("unknown client id")
	}
	delete(c.remotes, id)
	// destruction happens on the main thread, at the next Frame
	c.departed = append(c.departed, remote)
	return nil
}

func (c *Client) handleServerUpdate(r *wire.Reader) error {
	n, err := r.ReadUint16()
	if err != nil {
		return err
	}
	for i := 0; i < int(n); i++ {
		id, err := r.ReadUint32()
		if err != nil {
			return err
		}
		c.mu.Lock()
		remote := c.remotes[id]
		c.mu.Unlock()
		if remote == nil {
			return protocol.ProtocolError("unknown client id")
		}
		for _, rp := range remote.protocols {
			body, err := r.ReadBlob()
			if err != nil {
				return err
			}
			if rp.proto == nil {
				continue
			}
			br := wire.NewReader(body)
			err = rp.proto.ReceiveServerUpdate(rp.state, br)
			if err != nil {
				return err
			}
			if err := br.Finish(); err != nil {
				return err
			}
		}
	}
	return r.Finish()
}

func (c *Client) snapshotRemotes() []*Remote {
	c.mu.Lock()
	defer c.mu.Unlock()
	remotes := make([]*Remote, 0, len(c.remotes))
	for _, r := range c.remotes {
		remotes = append(remotes, r)
	}
	return remotes
}

// Frame runs one tick: destroy departed remotes, let each plug-in do
// its per-tick work, and send the client update.  It must be called
// from the main thread.
func (c *Client) Frame() error {
	c.mu.Lock()
	departed := c.departed
	c.departed = nil
	c.mu.Unlock()
	for _, r := range departed {
		r.close()
	}

	for _, p := range c.protocols {
		p.Frame()
	}
	for _, r := range c.snapshotRemotes() {
		for _, rp := range r.protocols {
			if rp.proto != nil {
				rp.proto.FrameRemote(rp.state)
			}
		}
	}

	w := wire.NewWriter()
	w.WriteUint16(protocol.ClientUpdateMessage)
	for _, p := range c.protocols {
		body := wire.NewWriter()
		p.SendClientUpdate(body)
		w.WriteBlob(body.Bytes())
	}
	return c.write(w.Bytes())
}

// GLRenderAction draws all remote clients.
func (c *Client) GLRenderAction(renderer device.Renderer) {
	for _, r := range c.snapshotRemotes() {
		for _, rp := range r.protocols {
			if rp.proto != nil {
				rp.proto.GLRenderAction(rp.state, renderer)
			}
		}
	}
}

// ALRenderAction runs the audio playback pass for all remote
// clients.
func (c *Client) ALRenderAction(ac device.AudioContext) {
	for _, r := range c.snapshotRemotes() {
		for _, rp := range r.protocols {
			if rp.proto != nil {
				rp.proto.ALRenderAction(rp.state, ac)
			}
		}
	}
}

// Done is closed when the receiver thread exits; Err then reports
// why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends a disconnect request, waits briefly for the server's
// reply, and destroys all remote state.  The registered plug-ins
// remain the host application's to close.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			w := wire.NewWriter()
			w.WriteUint16(protocol.DisconnectRequestMessage)
			c.write(w.Bytes())
			select {
			case <-c.done:
			case <-time.After(time.Second):
			}
			c.conn.Close()
		}

		c.mu.Lock()
		remotes := make([]*Remote, 0, len(c.remotes))
		for _, r := range c.remotes {
			remotes = append(remotes, r)
		}
		c.remotes = make(map[uint32]*Remote)
		departed := c.departed
		c.departed = nil
		c.mu.Unlock()
		for _, r := range departed {
			r.close()
		}
		for _, r := range remotes {
			r.close()
		}
	})
	return nil
}
