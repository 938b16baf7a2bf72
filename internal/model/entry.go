package model

import "fmt"

// TombstoneValue is the value written to mark a key as deleted
const TombstoneValue = "null"

// KeyValueEntry is a single record in the WAL, memtable, or a store file
type KeyValueEntry struct {
	Key   string
	Value string
}

// IsTombstone reports whether the entry marks a delete
func (e KeyValueEntry) IsTombstone() bool {
	return e.Value == TombstoneValue
}

// PutStatus classifies the outcome of a write
type PutStatus string

const (
	PutStatusSuccess PutStatus = "success"
	PutStatusUpdate  PutStatus = "update"
	PutStatusError   PutStatus = "error"
)

// Subscriber is an endpoint that wants key change notifications
type Subscriber struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// String returns the subscriber as "address:port"
func (s Subscriber) String() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}
