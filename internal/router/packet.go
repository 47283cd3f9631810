package router

import "github.com/mediarunner/pipelined/internal/media"

// DataPacket is the unit the router's input channel carries (spec §3,
// §4.F): a payload addressed to a node, tagged with the sequence pair
// used for per-edge ordering.
type DataPacket struct {
	Payload  media.Packet
	FromNode string
	// ToNode is set by the RPC layer when the client targets a specific
	// node; empty means "route to the graph's source node(s)" (spec
	// §4.F step 1).
	ToNode      string
	Sequence    uint64
	SubSequence uint64
}
