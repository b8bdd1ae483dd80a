package genstream

import (
	"fmt"

	"github.com/achcyano/mindisle-server/pkg/kv"
)

// KV key layout for the engine.
//
//	gen:{genID}                    → msgpack Generation
//	gen:{genID}:ev:{seq}           → msgpack Event (seq zero-padded to 10 digits)
//	conv:{convID}:turn:{idemKey}   → msgpack Turn
//	conv:{convID}:msg:{ts_ns}      → msgpack Message
//
// Event seqs are zero-padded so the store's lexicographic listing matches
// the numeric order. Message keys use nanosecond timestamps for
// chronological listing.

func genKey(genID string) kv.Key {
	return kv.Key{"gen", genID}
}

func eventKey(genID string, seq int64) kv.Key {
	return kv.Key{"gen", genID, "ev", fmt.Sprintf("%010d", seq)}
}

func eventPrefix(genID string) kv.Key {
	return kv.Key{"gen", genID, "ev"}
}

func turnKey(convID, idemKey string) kv.Key {
	return kv.Key{"conv", convID, "turn", idemKey}
}

func msgKey(convID string, tsNano int64) kv.Key {
	return kv.Key{"conv", convID, "msg", fmt.Sprintf("%020d", tsNano)}
}

func msgPrefix(convID string) kv.Key {
	return kv.Key{"conv", convID, "msg"}
}

func convPrefix(convID string) kv.Key {
	return kv.Key{"conv", convID}
}
