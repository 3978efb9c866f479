package store

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/drillmaster/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Tx is a single writer (or reader) transaction spanning multiple buckets.
// It mirrors bbolt's own Update/View(func(*bolt.Tx) error) shape one level
// up, so that the scheduler can assign-and-emit or complete-and-record in
// one commit.
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) GetQueueItem(id string) (*types.QueueItem, error) {
	return getJSON[types.QueueItem](t.tx, bucketQueue, id)
}

func (t *Tx) PutQueueItem(item *types.QueueItem) error {
	return putJSON(t.tx, bucketQueue, item.ID, item)
}

func (t *Tx) GetDrone(id string) (*types.Drone, error) {
	return getJSON[types.Drone](t.tx, bucketDrones, id)
}

func (t *Tx) PutDrone(d *types.Drone) error {
	return putJSON(t.tx, bucketDrones, d.ID, d)
}

func (t *Tx) GetHealthRecord(droneID string) (*types.HealthRecord, error) {
	rec, err := getJSON[types.HealthRecord](t.tx, bucketHealth, droneID)
	if err != nil {
		return &types.HealthRecord{DroneID: droneID}, nil
	}
	return rec, nil
}

func (t *Tx) PutHealthRecord(h *types.HealthRecord) error {
	return putJSON(t.tx, bucketHealth, h.DroneID, h)
}

func (t *Tx) GetSession(id string) (*types.Session, error) {
	return getJSON[types.Session](t.tx, bucketSessions, id)
}

func (t *Tx) PutSession(s *types.Session) error {
	return putJSON(t.tx, bucketSessions, s.ID, s)
}

func (t *Tx) AppendEvent(e *types.Event) error {
	return appendJSON(t.tx, bucketEvents, e)
}

func (t *Tx) AppendBuildHistory(e *types.BuildHistoryEntry) error {
	return appendJSON(t.tx, bucketBuildHistory, e)
}

func (t *Tx) GetRelease(version string) (*types.Release, error) {
	return getJSON[types.Release](t.tx, bucketReleases, version)
}

func (t *Tx) PutRelease(r *types.Release) error {
	return putJSON(t.tx, bucketReleases, r.Version, r)
}

func (t *Tx) ListReleases() ([]*types.Release, error) {
	var out []*types.Release
	b := t.tx.Bucket(bucketReleases)
	if b == nil {
		return nil, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		var r types.Release
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func (t *Tx) ListQueueItemsBySession(sessionID string) ([]*types.QueueItem, error) {
	var out []*types.QueueItem
	b := t.tx.Bucket(bucketQueue)
	if b == nil {
		return nil, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		var item types.QueueItem
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if item.SessionID == sessionID {
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

func getJSON[T any](tx *bolt.Tx, bucket []byte, key string) (*T, error) {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%s not found: %s", bucket, key)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %s missing", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// appendJSON writes v under an auto-incrementing sequence key, used for
// append-only logs (events, build history, protocol entries, deploy log).
func appendJSON(tx *bolt.Tx, bucket []byte, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %s missing", bucket)
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(seqKey(seq), data)
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
