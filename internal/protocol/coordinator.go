package protocol

import (
	"github.com/devrev/pairkv/internal/ring"
)

// CoordinatorStatus tags every node <-> coordinator message
type CoordinatorStatus string

const (
	// node -> coordinator
	StatusInitRequest     CoordinatorStatus = "INIT_REQ"
	StatusTermRequest     CoordinatorStatus = "TERM_REQ"
	StatusRequestFinished CoordinatorStatus = "REQ_FIN"

	// coordinator -> node
	StatusMetadataUpdate CoordinatorStatus = "METADATA_UPDATE"
	StatusMetadataLock   CoordinatorStatus = "METADATA_LOCK"
	StatusShutdown       CoordinatorStatus = "SHUTDOWN"

	// StatusInvalidRequestType answers a message with an unknown or out of place status
	StatusInvalidRequestType CoordinatorStatus = "INVALID_REQUEST_TYPE"
	// StatusInvalidMessageFormat answers a frame whose payload did not decode
	StatusInvalidMessageFormat CoordinatorStatus = "INVALID_MESSAGE_FORMAT"
)

// CoordinatorMessage is the single envelope of the coordinator protocol.
//
// For INIT_REQ, TERM_REQ and REQ_FIN the address and port identify the
// sending node. For METADATA_LOCK they name the node on the other side of
// the handoff (the joining node, or the receiver itself when it is leaving);
// for METADATA_UPDATE they name the node whose join or leave caused it.
type CoordinatorMessage struct {
	Status       CoordinatorStatus `json:"status"`
	Address      string            `json:"address,omitempty"`
	Port         int               `json:"port,omitempty"`
	Metadata     *ring.Metadata    `json:"ring_metadata,omitempty"`
	RingPosition *ring.Position    `json:"ring_position,omitempty"`
}

// IsNodeRequest reports whether the status is one a node may send
func (m CoordinatorMessage) IsNodeRequest() bool {
	switch m.Status {
	case StatusInitRequest, StatusTermRequest, StatusRequestFinished:
		return true
	default:
		return false
	}
}
