// Package naming provides actor lookup across nodes: every pool runs an
// index-server actor answering uid queries against its directory, and
// clients resolve refs through a TTL cache invalidated on peer loss.
package naming

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/roasbeef/xosc/internal/wire"
)

// IndexUID is the well-known uid of the index-server actor every pool
// registers at startup.
const IndexUID = "_index"

// LookupTag is the dispatch tag of index queries.
const LookupTag = "lookup"

// Directory answers uid queries for one pool. The kernel provides a
// process-local directory; the pool supervisor provides one that spans
// its sub-pools.
type Directory interface {
	// LookupUID resolves a uid to its ref, reporting whether it exists.
	LookupUID(uid string) (wire.ActorRef, bool)
}

// lookupReply is the JSON body of an index-server response.
type lookupReply struct {
	Found        bool   `json:"found"`
	UID          string `json:"uid,omitempty"`
	Address      string `json:"address,omitempty"`
	ProxyVersion uint32 `json:"proxy_version,omitempty"`
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func encodeLookupReply(reply *lookupReply) ([]byte, error) {
	payload, err := jsonAPI.Marshal(reply)
	if err != nil {
		return nil, wire.NewError(
			wire.KindInternal, "encode lookup reply: %v", err,
		)
	}

	return payload, nil
}

func decodeLookupReply(payload []byte) (*lookupReply, error) {
	var reply lookupReply
	if err := jsonAPI.Unmarshal(payload, &reply); err != nil {
		return nil, wire.NewError(
			wire.KindProtocolError,
			"malformed lookup reply: %v", err,
		)
	}

	return &reply, nil
}
