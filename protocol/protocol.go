// Package protocol defines the contract between the collaboration
// framework and its protocol plug-ins.  A plug-in implements Client
// on the client side and Server on the server side; the framework
// owns the transport and hands each plug-in exact-length message
// bodies.
package protocol

import (
	"github.com/web5design/collab/device"
	"github.com/web5design/collab/wire"
)

// Type ProtocolError indicates a violation of the wire protocol.  It
// is fatal for the connection that produced it, never for the
// process.
type ProtocolError string

func (err ProtocolError) Error() string {
	return string(err)
}

// Base message ids.  FirstProtocolMessage is the first id above them.
// Registration assigns no id ranges to plug-ins, and the client and
// server reject any message id other than the base ones.
const (
	ConnectRequestMessage uint16 = iota
	ConnectReplyMessage
	ConnectRejectMessage
	DisconnectRequestMessage
	DisconnectReplyMessage
	ClientUpdateMessage
	ClientConnectMessage
	ClientDisconnectMessage
	ServerUpdateMessage
	FirstProtocolMessage
)

// Type RemoteClientState is a plug-in's per-remote-client state on
// the client side.  Close must release any threads and devices the
// state owns; it is called exactly once, when the remote client
// disconnects or the session ends.
type RemoteClientState interface {
	Close() error
}

// Type Client is the client side of a protocol plug-in.
type Client interface {
	// Name returns the protocol's stable name.
	Name() string
	// NumMessages returns the number of protocol-specific message
	// ids the plug-in needs beyond the base messages.
	NumMessages() int

	// SendConnectRequest appends the plug-in's connect-request
	// body.
	SendConnectRequest(w *wire.Writer)
	// ReceiveConnectReply consumes the plug-in's part of a
	// positive connection reply.
	ReceiveConnectReply(r *wire.Reader) error
	// ReceiveConnectReject consumes the plug-in's part of a
	// negative connection reply.
	ReceiveConnectReject(r *wire.Reader) error

	// SendClientUpdate appends the plug-in's client-update body.
	// Called once per tick.
	SendClientUpdate(w *wire.Writer)
	// ReceiveClientConnect consumes a connect-forward body and
	// returns the plug-in's state for the new remote client.
	ReceiveClientConnect(r *wire.Reader) (RemoteClientState, error)
	// ReceiveServerUpdate consumes one remote client's
	// server-update body.  Called on the framework's receiver
	// thread.
	ReceiveServerUpdate(rcs RemoteClientState, r *wire.Reader) error

	// Frame is called once per tick on the main thread, before
	// SendClientUpdate.
	Frame()
	// FrameRemote is called once per tick per remote client.
	FrameRemote(rcs RemoteClientState)

	// GLRenderAction draws a remote client.
	GLRenderAction(rcs RemoteClientState, r device.Renderer)
	// ALRenderAction runs a remote client's audio playback pass.
	ALRenderAction(rcs RemoteClientState, ac device.AudioContext)

	Close() error
}

// Type ClientState is a plug-in's per-client state on the server
// side.
type ClientState interface {
	Close() error
}

// Type Server is the server side of a protocol plug-in.  The
// framework calls BeforeServerUpdate on every client, then
// SendServerUpdate for every (source, destination) pair, then
// AfterServerUpdate on every client; this gives every destination the
// same snapshot of each source within a tick.
type Server interface {
	Name() string
	NumMessages() int

	// ReceiveConnectRequest consumes a connect-request body and
	// returns the plug-in's state for the new client.
	ReceiveConnectRequest(r *wire.Reader) (ClientState, error)
	// ReceiveClientUpdate consumes a client-update body.  Called
	// on the client's receiver thread.
	ReceiveClientUpdate(cs ClientState, r *wire.Reader) error
	// SendClientConnect appends the connect-forward body
	// describing the source client cs.
	SendClientConnect(cs ClientState, w *wire.Writer) error
	// BeforeServerUpdate freezes the source's pending data for
	// this tick.
	BeforeServerUpdate(cs ClientState) error
	// SendServerUpdate appends the source's server-update body
	// from the snapshot frozen by BeforeServerUpdate.
	SendServerUpdate(cs ClientState, w *wire.Writer) error
	// AfterServerUpdate releases the snapshot.
	AfterServerUpdate(cs ClientState) error
}
