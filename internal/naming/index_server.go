package naming

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/xosc/internal/kernel"
	"github.com/roasbeef/xosc/internal/wire"
)

// IndexServer is the actor behavior answering uid queries for a pool. The
// query body is the raw uid; the reply is a JSON lookupReply.
type IndexServer struct {
	dir Directory
}

// NewIndexServer builds the index behavior over a directory.
func NewIndexServer(dir Directory) *IndexServer {
	return &IndexServer{dir: dir}
}

// Handlers returns the index server's dispatch table.
func (s *IndexServer) Handlers() kernel.HandlerTable {
	return kernel.HandlerTable{
		LookupTag: s.handleLookup,
	}
}

func (s *IndexServer) handleLookup(_ context.Context,
	req *kernel.Request) fn.Result[[]byte] {

	uid := string(req.Body)

	ref, found := s.dir.LookupUID(uid)
	reply := &lookupReply{Found: found}
	if found {
		reply.UID = ref.UID
		reply.Address = ref.Address
		reply.ProxyVersion = ref.ProxyVersion
	}

	payload, err := encodeLookupReply(reply)
	if err != nil {
		return fn.Err[[]byte](err)
	}

	log.TraceS(context.Background(), "Index query answered",
		"uid", uid, "found", found)

	return fn.Ok(payload)
}

// RegisterIndexServer creates the pool's index actor on the kernel under
// the well-known uid.
func RegisterIndexServer(ctx context.Context, k *kernel.Kernel,
	dir Directory) (wire.ActorRef, error) {

	k.Classes().Register(
		"index-server", func([]byte) (kernel.Behavior, error) {
			return NewIndexServer(dir), nil
		},
	)

	return k.CreateActor(ctx, "index-server", nil, fn.Some(IndexUID))
}

// KernelDirectory adapts a kernel's local registry to the Directory
// interface for single-process pools.
type KernelDirectory struct {
	Kernel *kernel.Kernel
	Addr   wire.Address
}

// LookupUID resolves a uid against the kernel's local registry.
func (d *KernelDirectory) LookupUID(uid string) (wire.ActorRef, bool) {
	ref := wire.ActorRef{UID: uid, Address: d.Addr.String()}
	if !d.Kernel.HasActor(ref) {
		return wire.ActorRef{}, false
	}

	return ref, true
}
