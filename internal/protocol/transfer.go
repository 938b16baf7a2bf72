package protocol

import (
	"fmt"

	"github.com/devrev/pairkv/internal/model"
)

// ChunkSize is the payload size of one CHUNK message
const ChunkSize = 10000

// TransferKind tags a node <-> node transfer message
type TransferKind string

const (
	TransferHandshake TransferKind = "HANDSHAKE"
	TransferAck       TransferKind = "ACK"
	TransferNack      TransferKind = "NACK"
	TransferChunk     TransferKind = "CHUNK"
	TransferFinish    TransferKind = "FINISH"
	TransferDone      TransferKind = "DONE"
)

// TransferPurpose selects the receiver's acceptance rule
type TransferPurpose string

const (
	// PurposeReplicate is a periodic replica push; the receiver checks topology
	PurposeReplicate TransferPurpose = "replicate"
	// PurposeRebalance is a coordinator-serialized handoff and is always accepted
	PurposeRebalance TransferPurpose = "rebalance"
)

// Category names the file set a chunk belongs to on the receiver
type Category string

const (
	CategoryPrimary       Category = "primary"
	CategoryReplica1      Category = "replica-1"
	CategoryReplica2      Category = "replica-2"
	CategorySubscriptions Category = "subscriptions"
)

// ReplicaCategory returns the category of replica slot 1 or 2
func ReplicaCategory(slot int) Category {
	return Category(fmt.Sprintf("replica-%d", slot))
}

// ReplicaSlot returns the slot of a replica category, or 0
func (c Category) ReplicaSlot() int {
	switch c {
	case CategoryReplica1:
		return 1
	case CategoryReplica2:
		return 2
	default:
		return 0
	}
}

// TransferMessage is the envelope of the peer transfer protocol
type TransferMessage struct {
	Kind        TransferKind    `json:"kind"`
	Purpose     TransferPurpose `json:"purpose,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	Category    Category        `json:"category,omitempty"`
	Data        []byte          `json:"data,omitempty"`
	Checksum    uint64          `json:"checksum,omitempty"`
	Reason      string          `json:"reason,omitempty"`

	Subscriptions map[string][]model.Subscriber `json:"subscriptions,omitempty"`
}
