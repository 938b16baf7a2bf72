package model

// RebalanceType distinguishes the two membership changes that move data
type RebalanceType string

const (
	// RebalanceTypeJoin hands part of this node's arc to a new predecessor
	RebalanceTypeJoin RebalanceType = "join"
	// RebalanceTypeLeave hands everything this node holds to its successor
	RebalanceTypeLeave RebalanceType = "leave"
)

// RebalancePhase is one step of the rebalance sequence, executed in order
type RebalancePhase string

const (
	RebalancePhaseDump      RebalancePhase = "dump"
	RebalancePhaseCompact   RebalancePhase = "compact"
	RebalancePhasePartition RebalancePhase = "partition"
	RebalancePhaseTransfer  RebalancePhase = "transfer"
	RebalancePhaseCleanup   RebalancePhase = "cleanup"
)

// RebalanceStatus is the final outcome of a rebalance attempt
type RebalanceStatus string

const (
	RebalanceStatusCompleted RebalanceStatus = "completed"
	RebalanceStatusFailed    RebalanceStatus = "failed"
)
