package connector

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/protocol"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/store"
)

func init() {
	logging.SetOutput(io.Discard)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	batches [][]store.Point
	err     error
}

func (s *recordingSink) Save(_ context.Context, points []store.Point) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, points)
	return nil
}

// clock returns a Now func reading *at.
func clock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func newTestConnector(t *testing.T, sink store.Sink, dedup Deduper, now *time.Time) *Connector {
	t.Helper()
	c, err := New(Config{Sink: sink, Dedup: dedup, Now: clock(now)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

const frame = `{"d_id":"ID0a0b0c0d0e0f","m_id":"6c1f0e6a","ttl":9,"values":{"random_value":12,"random_value2":7}}`

func TestHandleStoresOnePointPerValue(t *testing.T) {
	sink := &recordingSink{}
	now := t0
	c := newTestConnector(t, sink, nil, &now)

	if err := c.Handle(context.Background(), []byte(frame)); err != nil {
		t.Fatal(err)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("expected one batch of two points, got %+v", sink.batches)
	}
	p := sink.batches[0][0]
	if p.Measurement != "random_value" || p.Device != "ID0a0b0c0d0e0f" || p.MessageID != "6c1f0e6a" || p.Value != 12 || !p.Time.Equal(t0) {
		t.Fatalf("unexpected point %+v", p)
	}
	if sink.batches[0][1].Measurement != "random_value2" {
		t.Fatalf("points must be in key order, got %+v", sink.batches[0])
	}
	if st := c.Stats(); st.Stored != 1 || st.Points != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestHandleSkipsCopiesWithinWindow(t *testing.T) {
	sink := &recordingSink{}
	now := t0
	c := newTestConnector(t, sink, nil, &now)

	// A relayed copy carries a lower ttl but the same message id.
	copyFrame := `{"d_id":"ID0a0b0c0d0e0f","m_id":"6c1f0e6a","ttl":8,"values":{"random_value":12,"random_value2":7}}`
	c.Handle(context.Background(), []byte(frame))
	if err := c.Handle(context.Background(), []byte(copyFrame)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if len(sink.batches) != 1 {
		t.Fatalf("duplicate must not be stored, got %d batches", len(sink.batches))
	}

	now = t0.Add(DefaultExpiry + time.Second)
	if err := c.Handle(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("after the window the id is new again: %v", err)
	}
	if st := c.Stats(); st.Duplicate != 1 || st.Stored != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestHandleRejects(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", `hello`, protocol.ErrInvalidEnvelope},
		{"missing ttl", `{"d_id":"A","m_id":"1","values":{"v":1}}`, protocol.ErrInvalidEnvelope},
		{"missing values", `{"d_id":"A","m_id":"1","ttl":3}`, ErrMissingValues},
		{"null values", `{"d_id":"A","m_id":"1","ttl":3,"values":null}`, ErrMissingValues},
		{"values not numbers", `{"d_id":"A","m_id":"1","ttl":3,"values":{"v":"x"}}`, protocol.ErrInvalidEnvelope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			now := t0
			c := newTestConnector(t, sink, nil, &now)
			if err := c.Handle(context.Background(), []byte(tc.payload)); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(sink.batches) != 0 || c.Stats().Invalid != 1 {
				t.Fatalf("invalid payload must be counted and not stored")
			}
		})
	}
}

func TestHandleEmptyValuesMarksProcessed(t *testing.T) {
	sink := &recordingSink{}
	now := t0
	c := newTestConnector(t, sink, nil, &now)
	if err := c.Handle(context.Background(), []byte(`{"d_id":"A","m_id":"1","ttl":3,"values":{}}`)); err != nil {
		t.Fatal(err)
	}
	if st := c.Stats(); st.Stored != 1 || st.Points != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestHandleSinkFailure(t *testing.T) {
	boom := errors.New("disk full")
	now := t0
	c := newTestConnector(t, &recordingSink{err: boom}, nil, &now)
	if err := c.Handle(context.Background(), []byte(frame)); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped sink error, got %v", err)
	}
	if c.Stats().Failed != 1 {
		t.Fatal("failure not counted")
	}
}

func TestHandleWithBoltIndex(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := t0
	c := newTestConnector(t, db, db, &now)
	c.Handle(context.Background(), []byte(frame))
	c.Handle(context.Background(), []byte(frame))

	pts, err := db.Points("random_value", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 1 || pts[0].Value != 12 {
		t.Fatalf("expected a single stored reading, got %+v", pts)
	}
	if ok, _ := db.Processed("6c1f0e6a", now); !ok {
		t.Fatal("message id not indexed")
	}
}

func TestDefaultDedupFollowsExpiry(t *testing.T) {
	sink := &recordingSink{}
	now := t0
	c, err := New(Config{Sink: sink, Expiry: time.Minute, Now: clock(&now)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Handle(context.Background(), []byte(frame))
	now = t0.Add(30 * time.Second)
	if err := c.Handle(context.Background(), []byte(frame)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("inside the window: expected ErrDuplicate, got %v", err)
	}
	now = t0.Add(time.Minute + time.Second)
	if err := c.Handle(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("after the window: %v", err)
	}
	if len(sink.batches) != 2 {
		t.Fatalf("expected 2 stored batches, got %d", len(sink.batches))
	}
}

func TestNewRejectsNegativeExpiry(t *testing.T) {
	if _, err := New(Config{Sink: &recordingSink{}, Expiry: -time.Second}); err == nil {
		t.Fatal("expected error for a negative expiry")
	}
}

func TestNewRequiresSink(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a sink")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	now := t0
	c, err := New(Config{Broker: "tcp://127.0.0.1:1", Sink: &recordingSink{}, Now: clock(&now)})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
