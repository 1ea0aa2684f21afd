package wire

import (
	jsoniter "github.com/json-iterator/go"
)

// ControlOp enumerates the runtime-internal control messages carried in
// KindControl envelopes. Hello/Ping/Pong are consumed by the channel layer;
// the rest surface to the kernel or pool supervisor.
type ControlOp string

const (
	// ControlHello is the handshake exchanged when a channel opens.
	ControlHello ControlOp = "hello"

	// ControlPing is the idle heartbeat.
	ControlPing ControlOp = "ping"

	// ControlPong answers a ping.
	ControlPong ControlOp = "pong"

	// ControlStop asks the destination actor to drain and stop.
	ControlStop ControlOp = "stop"

	// ControlCreateActor asks a sub-pool kernel to instantiate an actor.
	ControlCreateActor ControlOp = "create-actor"

	// ControlDestroyActor asks a sub-pool kernel to destroy an actor.
	ControlDestroyActor ControlOp = "destroy-actor"

	// ControlHasActor asks a kernel whether a uid is registered.
	ControlHasActor ControlOp = "has-actor"

	// ControlDrain asks a peer to stop accepting new work and finish
	// what is queued.
	ControlDrain ControlOp = "drain"

	// ControlShutdownPool asks a pool supervisor to drain its sub-pools
	// and terminate.
	ControlShutdownPool ControlOp = "shutdown-pool"
)

// ControlMsg is the body of every KindControl envelope. Fields are
// populated per-op; the zero values of unused fields are omitted on the
// wire.
type ControlMsg struct {
	// Op discriminates the control message.
	Op ControlOp `json:"op"`

	// ProtocolVersion is sent in hello.
	ProtocolVersion uint16 `json:"protocol_version,omitempty"`

	// ProcessID is the sender's process identity, sent in hello.
	ProcessID string `json:"process_id,omitempty"`

	// Address is the sender's listen address, sent in hello.
	Address string `json:"address,omitempty"`

	// Load is the sender's queued-envelope count, piggybacked on ping
	// so the supervisor's LeastLoaded policy has a signal.
	Load int `json:"load,omitempty"`

	// ClassID names the actor class for create-actor.
	ClassID string `json:"class_id,omitempty"`

	// InitArgs is the encoded constructor argument for create-actor.
	InitArgs []byte `json:"init_args,omitempty"`

	// UID targets create-actor, destroy-actor and has-actor.
	UID string `json:"uid,omitempty"`
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeControl serializes a control message payload.
func EncodeControl(msg *ControlMsg) ([]byte, error) {
	payload, err := jsonAPI.Marshal(msg)
	if err != nil {
		return nil, NewError(
			KindInternal, "encode control %s: %v", msg.Op, err,
		)
	}

	return payload, nil
}

// DecodeControl parses a control message payload.
func DecodeControl(payload []byte) (*ControlMsg, error) {
	var msg ControlMsg
	if err := jsonAPI.Unmarshal(payload, &msg); err != nil {
		return nil, NewError(
			KindProtocolError, "malformed control payload: %v", err,
		)
	}

	return &msg, nil
}
