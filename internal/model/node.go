package model

// NodeState is the lifecycle state of a storage node
type NodeState int32

const (
	// NodeStateInitializing lasts from process start until the first
	// metadata update that names this node
	NodeStateInitializing NodeState = iota
	NodeStateAvailable
	// NodeStateRebalancing rejects client reads and writes while partitions move
	NodeStateRebalancing
	// NodeStateUnavailable is terminal
	NodeStateUnavailable
)

func (s NodeState) String() string {
	switch s {
	case NodeStateInitializing:
		return "initializing"
	case NodeStateAvailable:
		return "available"
	case NodeStateRebalancing:
		return "rebalancing"
	case NodeStateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
