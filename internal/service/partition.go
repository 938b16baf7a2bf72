package service

import (
	"fmt"

	"github.com/devrev/pairkv/internal/model"
)

// Partition splits the primary store files. Records for which stays returns
// true are rewritten into new StoreFile_ files; the rest go to
// PartitionedStoreFile_ files, whose paths are returned. The original files
// are deleted once both outputs are durable.
func (s *StoreFileService) Partition(stays func(key string) bool) ([]string, error) {
	inputs, err := s.List(PrefixStore)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	kept := s.NewWriter(PrefixStore)
	moved := s.NewWriter(PrefixPartitioned)
	seen := make(map[string]struct{})

	abort := func(err error) ([]string, error) {
		kept.Abort()
		moved.Abort()
		return nil, fmt.Errorf("partition failed: %w", err)
	}

	for _, path := range inputs {
		var werr error
		err := s.Scan(path, func(e model.KeyValueEntry) bool {
			if _, dup := seen[e.Key]; dup {
				return true
			}
			seen[e.Key] = struct{}{}
			if stays(e.Key) {
				werr = kept.Write(e.Key, e.Value)
			} else {
				werr = moved.Write(e.Key, e.Value)
			}
			return werr == nil
		})
		if err == nil {
			err = werr
		}
		if err != nil {
			return abort(err)
		}
	}

	if err := kept.Close(); err != nil {
		return abort(err)
	}
	if err := moved.Close(); err != nil {
		return abort(err)
	}
	if err := s.Remove(inputs); err != nil {
		return nil, err
	}

	s.logger.Debug("Partitioned store files")
	return moved.Paths(), nil
}

// RestorePartitioned returns moved records to the primary set after a failed handoff
func (s *StoreFileService) RestorePartitioned() error {
	return s.Rename(PrefixPartitioned, PrefixStore)
}

// ClearPartitioned deletes moved records once the receiver acknowledged them
func (s *StoreFileService) ClearPartitioned() error {
	return s.RemovePrefix(PrefixPartitioned)
}

// Promote copies replica records whose key satisfies acquired into the
// primary set, tombstones included, and returns the live records copied.
// Slot 1 is consulted before slot 2 and newer files before older.
func (s *StoreFileService) Promote(acquired func(key string) bool) (int, error) {
	if err := s.RemovePrefix(PrefixFiltered); err != nil {
		return 0, err
	}

	w := s.NewWriter(PrefixFiltered)
	seen := make(map[string]struct{})
	promoted := 0

	for _, prefix := range []string{PrefixReplica1, PrefixReplica2} {
		paths, err := s.List(prefix)
		if err != nil {
			w.Abort()
			return 0, err
		}
		for _, path := range paths {
			var werr error
			err := s.Scan(path, func(e model.KeyValueEntry) bool {
				if _, dup := seen[e.Key]; dup || !acquired(e.Key) {
					return true
				}
				seen[e.Key] = struct{}{}
				if werr = w.Write(e.Key, e.Value); werr != nil {
					return false
				}
				if !e.IsTombstone() {
					promoted++
				}
				return true
			})
			if err == nil {
				err = werr
			}
			if err != nil {
				w.Abort()
				return 0, fmt.Errorf("promotion failed: %w", err)
			}
		}
	}

	if err := w.Close(); err != nil {
		w.Abort()
		return 0, err
	}
	if err := s.Rename(PrefixFiltered, PrefixStore); err != nil {
		return 0, err
	}
	return promoted, nil
}

// CommitReplica replaces replica slot's files with the staged ones. The new
// files are written before the old ones go, and being newer they shadow them,
// so a concurrent reader never finds the slot empty.
func (s *StoreFileService) CommitReplica(slot int) error {
	old, err := s.List(ReplicaPrefix(slot))
	if err != nil {
		return err
	}
	if err := s.Rewrite(StagedReplicaPrefix(slot), ReplicaPrefix(slot)); err != nil {
		return err
	}
	return s.Remove(old)
}

// CommitIncoming moves staged primary records into the primary set
func (s *StoreFileService) CommitIncoming() error {
	return s.Rewrite(PrefixIncoming, PrefixStore)
}
