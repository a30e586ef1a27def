package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Bolt {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestProcessedExpires(t *testing.T) {
	s := newTestStore(t)

	if ok, err := s.Processed("m1", t0); err != nil || ok {
		t.Fatalf("unknown id: ok=%v err=%v", ok, err)
	}
	if err := s.MarkProcessed("m1", t0, time.Hour); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Processed("m1", t0.Add(59*time.Minute)); !ok {
		t.Fatal("expected m1 processed within the window")
	}
	if ok, _ := s.Processed("m1", t0.Add(time.Hour)); ok {
		t.Fatal("expected m1 expired at the end of the window")
	}
}

func TestPruneDropsExpired(t *testing.T) {
	s := newTestStore(t)
	s.MarkProcessed("old", t0, time.Minute)
	s.MarkProcessed("new", t0, time.Hour)

	n, err := s.Prune(t0.Add(10 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if ok, _ := s.Processed("new", t0.Add(10*time.Minute)); !ok {
		t.Fatal("live id must survive prune")
	}
	if n, _ := s.Prune(t0.Add(10 * time.Minute)); n != 0 {
		t.Fatalf("second prune removed %d", n)
	}
}

func TestSavePointsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Save(ctx, []Point{
		{Measurement: "temp", Device: "ID01", MessageID: "a", Value: 20, Time: t0},
		{Measurement: "temp", Device: "ID01", MessageID: "b", Value: 21, Time: t0.Add(time.Minute)},
		{Measurement: "hum", Device: "ID01", MessageID: "b", Value: 40, Time: t0.Add(time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Same timestamp, different device: both kept.
	err = s.Save(ctx, []Point{
		{Measurement: "temp", Device: "ID02", MessageID: "c", Value: 22, Time: t0.Add(2 * time.Minute)},
		{Measurement: "temp", Device: "ID03", MessageID: "c", Value: 23, Time: t0.Add(2 * time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := s.Points("temp", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 temp points, got %d", len(all))
	}
	if all[len(all)-1].Value != 20 || !all[len(all)-1].Time.Equal(t0) {
		t.Fatalf("oldest point last, got %+v", all[len(all)-1])
	}

	top, _ := s.Points("temp", 2)
	if len(top) != 2 || !top[0].Time.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("unexpected limited result %+v", top)
	}

	names, err := s.Measurements()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "hum" || names[1] != "temp" {
		t.Fatalf("unexpected measurements %v", names)
	}

	if none, _ := s.Points("pressure", 10); len(none) != 0 {
		t.Fatalf("unknown measurement returned %v", none)
	}
}

func TestSaveRejectsInvalidPoint(t *testing.T) {
	s := newTestStore(t)
	err := s.Save(context.Background(), []Point{
		{Measurement: "temp", Device: "ID01", Value: 1},
		{Measurement: "", Device: "ID01", Value: 2},
	})
	if !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	if pts, _ := s.Points("temp", 0); len(pts) != 0 {
		t.Fatal("a rejected batch must write nothing")
	}
}

func TestSaveStampsZeroTime(t *testing.T) {
	s := newTestStore(t)
	before := time.Now()
	if err := s.Save(context.Background(), []Point{{Measurement: "v", Device: "ID01", Value: 1}}); err != nil {
		t.Fatal(err)
	}
	pts, _ := s.Points("v", 1)
	if len(pts) != 1 || pts[0].Time.Before(before) {
		t.Fatalf("expected stamped time, got %+v", pts)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.MarkProcessed("m1", t0, time.Hour)
	s.Save(context.Background(), []Point{{Measurement: "v", Device: "ID01", Value: 3, Time: t0}})
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if ok, _ := s.Processed("m1", t0); !ok {
		t.Fatal("processed index lost on reopen")
	}
	if pts, _ := s.Points("v", 0); len(pts) != 1 || pts[0].Value != 3 {
		t.Fatalf("points lost on reopen: %+v", pts)
	}
}

type failingSink struct{ err error }

func (f failingSink) Save(context.Context, []Point) error { return f.err }

func TestMultiStopsAtFirstError(t *testing.T) {
	a, b := newTestStore(t), newTestStore(t)
	boom := errors.New("boom")
	pts := []Point{{Measurement: "v", Device: "ID01", Value: 1, Time: t0}}

	if err := (Multi{a, b}).Save(context.Background(), pts); err != nil {
		t.Fatal(err)
	}
	for _, s := range []*Bolt{a, b} {
		if got, _ := s.Points("v", 0); len(got) != 1 {
			t.Fatalf("every sink should have the point, got %v", got)
		}
	}

	err := (Multi{failingSink{boom}, a}).Save(context.Background(), pts)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, _ := a.Points("v", 0); len(got) != 1 {
		t.Fatal("sinks after a failure must not be written")
	}
}
