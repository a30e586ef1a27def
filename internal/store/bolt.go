// Package store persists telemetry points written by the connector.
//
// Bolt keeps everything in a local bbolt file: an index of processed message
// ids with their expiry, and the points themselves grouped per measurement in
// time order. Dynamo writes the same points to a DynamoDB table.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketProcessed = []byte("processed")
	bucketPoints    = []byte("points")
)

// ErrInvalidPoint is returned by Save for points missing a measurement or device.
var ErrInvalidPoint = errors.New("store: invalid point")

// Point is one telemetry reading: a single value of an envelope.
type Point struct {
	Measurement string    `json:"measurement"` // value key, e.g. "random_value"
	Device      string    `json:"device"`      // origin node id
	MessageID   string    `json:"message_id"`
	Value       float64   `json:"value"`
	Time        time.Time `json:"time"`
}

func (p Point) validate() error {
	if p.Measurement == "" || p.Device == "" {
		return fmt.Errorf("%w: measurement %q device %q", ErrInvalidPoint, p.Measurement, p.Device)
	}
	return nil
}

// Sink receives points. Both stores implement it.
type Sink interface {
	Save(ctx context.Context, points []Point) error
}

// Bolt is a local point store backed by bbolt.
type Bolt struct {
	db *bolt.DB
}

// Open opens (or creates) telemetry.db inside dir.
func Open(dir string) (*Bolt, error) {
	db, err := bolt.Open(filepath.Join(dir, "telemetry.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProcessed, bucketPoints} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// ─── Processed index ────────────────────────────────────────────────────────

// Processed reports whether id was marked and has not yet expired at now.
func (s *Bolt) Processed(id string, now time.Time) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProcessed).Get([]byte(id))
		if len(v) != 8 {
			return nil
		}
		ok = int64(binary.BigEndian.Uint64(v)) > now.Unix()
		return nil
	})
	return ok, err
}

// MarkProcessed records id as processed until now+ttl.
func (s *Bolt) MarkProcessed(id string, now time.Time, ttl time.Duration) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(now.Add(ttl).Unix()))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcessed).Put([]byte(id), v[:])
	})
}

// Prune drops processed ids that expired at or before now and returns how
// many were removed.
func (s *Bolt) Prune(now time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketProcessed)
		var expired [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			if len(v) != 8 || int64(binary.BigEndian.Uint64(v)) <= now.Unix() {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

// ─── Points ─────────────────────────────────────────────────────────────────

// pointKey orders points by time inside a measurement bucket. The message id
// and device keep two readings with the same timestamp apart.
func pointKey(p Point) []byte {
	k := make([]byte, 8, 8+len(p.MessageID)+1+len(p.Device))
	binary.BigEndian.PutUint64(k, uint64(p.Time.UnixNano()))
	k = append(k, p.MessageID...)
	k = append(k, 0)
	return append(k, p.Device...)
}

// Save writes points in a single transaction. A zero Time is stamped with the
// current time.
func (s *Bolt) Save(ctx context.Context, points []Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range points {
		if err := p.validate(); err != nil {
			return err
		}
	}
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketPoints)
		for _, p := range points {
			if p.Time.IsZero() {
				p.Time = now
			}
			bkt, err := root.CreateBucketIfNotExists([]byte(p.Measurement))
			if err != nil {
				return err
			}
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := bkt.Put(pointKey(p), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Points returns up to limit points of measurement, newest first. A limit of
// zero or less returns all of them.
func (s *Bolt) Points(measurement string, limit int) ([]Point, error) {
	var out []Point
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPoints).Bucket([]byte(measurement))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var p Point
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("store: point %x: %w", k, err)
			}
			out = append(out, p)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Measurements lists the measurement names that have points, sorted.
func (s *Bolt) Measurements() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPoints).ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}

// Multi fans a batch out to several sinks in order, stopping at the first
// error.
type Multi []Sink

func (m Multi) Save(ctx context.Context, points []Point) error {
	for _, s := range m {
		if err := s.Save(ctx, points); err != nil {
			return err
		}
	}
	return nil
}
