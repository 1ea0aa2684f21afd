package kernel

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/xosc/internal/wire"
)

// Request is one inbound message presented to a handler.
type Request struct {
	// Tag is the dispatch tag the payload was sent under.
	Tag string

	// Body is the message body after the tag prefix.
	Body []byte

	// CodecID identifies how Body was serialized.
	CodecID uint8

	// From is the sending actor, if any.
	From wire.ActorRef

	// Self is the receiving actor's own ref.
	Self wire.ActorRef
}

// HandlerFunc processes one message. The context merges the actor's
// lifecycle with the caller's deadline and cancels when either ends; it is
// also the hook for cooperative cancellation mid-handler. The returned
// bytes are the already-encoded reply body.
type HandlerFunc func(ctx context.Context, req *Request) fn.Result[[]byte]

// HandlerTable maps dispatch tags to handlers. Dispatch is by registered
// tag, never by runtime method-name resolution.
type HandlerTable map[string]HandlerFunc

// Behavior is implemented by actor classes: a table of message handlers.
// State lives inside the Behavior value; the kernel guarantees handlers of
// one actor never run concurrently, so no internal locking is needed.
type Behavior interface {
	// Handlers returns the class's dispatch table. Called once at
	// creation.
	Handlers() HandlerTable
}

// Creatable is an optional Behavior extension: OnCreate runs after the uid
// is reserved in the registry and before the actor starts running. A
// failure deregisters and discards the instance and fails the create.
type Creatable interface {
	OnCreate(ctx context.Context) error
}

// Stoppable is an optional Behavior extension: OnDestroy runs during
// destruction after the inbox drains. Errors are logged; destruction
// proceeds.
type Stoppable interface {
	OnDestroy(ctx context.Context) error
}

// Constructor builds a class instance from its encoded init args.
type Constructor func(initArgs []byte) (Behavior, error)

// ClassRegistry maps class ids to constructors. It is populated at
// startup and read on every create.
type ClassRegistry struct {
	mu      sync.RWMutex
	classes map[string]Constructor
}

// NewClassRegistry returns an empty class registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{classes: make(map[string]Constructor)}
}

// Register installs a constructor under a class id, replacing any previous
// registration.
func (r *ClassRegistry) Register(classID string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.classes[classID] = ctor
}

// New instantiates a class.
func (r *ClassRegistry) New(classID string, initArgs []byte) (Behavior, error) {
	r.mu.RLock()
	ctor, ok := r.classes[classID]
	r.mu.RUnlock()

	if !ok {
		return nil, wire.NewError(
			wire.KindActorNotFound, "unknown actor class %q",
			classID,
		)
	}

	return ctor(initArgs)
}

// FuncBehavior adapts a bare handler table into a Behavior, for actors
// with no construction-time state.
type FuncBehavior HandlerTable

// Handlers returns the class's dispatch table.
func (f FuncBehavior) Handlers() HandlerTable {
	return HandlerTable(f)
}

// permitState tracks whether the executing handler currently holds a
// worker slot. A handler goroutine is strictly serial, so no locking is
// needed; the state only changes at suspension points.
type permitState struct {
	held bool
}

// permitKey carries the handler's worker-slot state through its context.
type permitKey struct{}

func withPermit(ctx context.Context, state *permitState) context.Context {
	return context.WithValue(ctx, permitKey{}, state)
}

func permitFromContext(ctx context.Context) *permitState {
	state, _ := ctx.Value(permitKey{}).(*permitState)
	return state
}

// selfKey carries the executing actor's ref through handler contexts so
// synchronous self-calls can be rejected.
type selfKey struct{}

// WithSelf annotates a context with the executing actor's ref.
func WithSelf(ctx context.Context, ref wire.ActorRef) context.Context {
	return context.WithValue(ctx, selfKey{}, ref)
}

// SelfFromContext returns the executing actor's ref, if the context
// belongs to a handler invocation.
func SelfFromContext(ctx context.Context) (wire.ActorRef, bool) {
	ref, ok := ctx.Value(selfKey{}).(wire.ActorRef)
	return ref, ok
}
