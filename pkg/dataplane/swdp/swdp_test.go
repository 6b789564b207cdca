package swdp

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

func openTestPort(t *testing.T, d *Driver) {
	t.Helper()
	if err := d.OpenPort(dataplane.PortSpec{ID: 0, Queues: 2, QueueDepth: 8, Counters: 8}); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateTable(0, dataplane.TableSpec{ID: 1, Kind: dataplane.TableExact, MaxEntries: 2}); err != nil {
		t.Fatal(err)
	}
}

func TestRegistered(t *testing.T) {
	if !slices.Contains(dataplane.Backends(), dataplane.TypeSW) {
		t.Fatalf("backends = %v", dataplane.Backends())
	}
	d, err := dataplane.NewDriver("")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name() != dataplane.TypeSW {
		t.Errorf("default backend = %s", d.Name())
	}
}

func TestSubmitPoll(t *testing.T) {
	d := New()
	openTestPort(t, d)

	ops := []dataplane.Op{
		{Kind: dataplane.OpInsert, Table: 1, Rule: 1},
		{Kind: dataplane.OpInsert, Table: 1, Rule: 2},
		{Kind: dataplane.OpInsert, Table: 1, Rule: 3},
	}
	if err := d.Submit(0, 1, ops); err != nil {
		t.Fatal(err)
	}
	res, err := d.Poll(0, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0].Rule != 1 || res[1].Rule != 2 || res[0].Err != nil {
		t.Fatalf("first poll = %+v", res)
	}
	res, _ = d.Poll(0, 1, 0)
	if len(res) != 1 || !errors.Is(res[0].Err, dataplane.ErrNoSpace) {
		t.Fatalf("third insert = %+v", res)
	}
	if d.Rules(0, 1) != 2 {
		t.Errorf("rules = %d", d.Rules(0, 1))
	}
	if res, _ := d.Poll(0, 0, 0); len(res) != 0 {
		t.Errorf("other queue got %+v", res)
	}
}

func TestQueueDepth(t *testing.T) {
	d := New()
	openTestPort(t, d)
	ops := make([]dataplane.Op, 9)
	if err := d.Submit(0, 0, ops); !errors.Is(err, dataplane.ErrQueueFull) {
		t.Errorf("Submit over depth = %v", err)
	}
	if err := d.Submit(0, 2, nil); err == nil {
		t.Error("queue out of range accepted")
	}
}

func TestRemoveModify(t *testing.T) {
	d := New()
	openTestPort(t, d)
	d.Submit(0, 0, []dataplane.Op{
		{Kind: dataplane.OpModify, Table: 1, Rule: 9},
		{Kind: dataplane.OpInsert, Table: 1, Rule: 9},
		{Kind: dataplane.OpModify, Table: 1, Rule: 9, Priority: 3},
		{Kind: dataplane.OpRemove, Table: 1, Rule: 9},
		{Kind: dataplane.OpRemove, Table: 1, Rule: 9},
	})
	res, _ := d.Poll(0, 0, 0)
	var errs []bool
	for _, r := range res {
		errs = append(errs, r.Err != nil)
	}
	if want := []bool{true, false, false, false, true}; !slices.Equal(errs, want) {
		t.Errorf("errors = %v, want %v", errs, want)
	}
}

func TestFaults(t *testing.T) {
	d := New()
	openTestPort(t, d)
	boom := errors.New("boom")
	d.SetFault(func(_, _ uint16, op dataplane.Op) error {
		if op.Rule == 2 {
			return boom
		}
		return nil
	})
	d.Submit(0, 0, []dataplane.Op{
		{Kind: dataplane.OpInsert, Table: 1, Rule: 1},
		{Kind: dataplane.OpInsert, Table: 1, Rule: 2},
	})
	res, _ := d.Poll(0, 0, 0)
	if res[0].Err != nil || !errors.Is(res[1].Err, boom) {
		t.Errorf("results = %+v", res)
	}
	if d.Rules(0, 1) != 1 {
		t.Errorf("faulted op was applied")
	}

	d.FailSubmit(boom)
	if err := d.Submit(0, 0, nil); !errors.Is(err, boom) {
		t.Errorf("Submit = %v", err)
	}
	d.FailSubmit(nil)
	if err := d.Submit(0, 0, nil); err != nil {
		t.Errorf("Submit after reset = %v", err)
	}
}

func TestStats(t *testing.T) {
	now := time.Unix(1000, 0)
	d := New(WithClock(func() time.Time { return now }))
	openTestPort(t, d)
	d.Submit(0, 0, []dataplane.Op{{Kind: dataplane.OpInsert, Table: 1, Rule: 5}})
	d.Poll(0, 0, 0)

	now = now.Add(time.Minute)
	if err := d.Hit(0, 1, 5, 100); err != nil {
		t.Fatal(err)
	}
	d.Hit(0, 1, 5, 50)
	st, err := d.RuleStats(0, 1, 5)
	if err != nil || st.Packets != 2 || st.Bytes != 150 {
		t.Errorf("RuleStats = %+v, %v", st, err)
	}
	if last, _ := d.LastHit(0, 1, 5); !last.Equal(now) {
		t.Errorf("LastHit = %v", last)
	}
	if _, err := d.RuleStats(0, 1, 6); !errors.Is(err, dataplane.ErrUnknownRule) {
		t.Errorf("unknown rule = %v", err)
	}

	d.Miss(0, 1, 64)
	if st, _ := d.MissStats(0, 1); st.Packets != 1 || st.Bytes != 64 {
		t.Errorf("MissStats = %+v", st)
	}

	if err := d.HitShared(0, dataplane.SharedCounter, 3, 10); err == nil {
		t.Error("hit on unreserved counter accepted")
	}
	if err := d.Reserve(0, dataplane.SharedCounter, 3); err != nil {
		t.Fatal(err)
	}
	d.HitShared(0, dataplane.SharedCounter, 3, 10)
	if st, _ := d.SharedStats(0, dataplane.SharedCounter, 3); st.Packets != 1 {
		t.Errorf("SharedStats = %+v", st)
	}
	if err := d.Reserve(0, dataplane.SharedCounter, 8); !errors.Is(err, dataplane.ErrNoSpace) {
		t.Errorf("counter beyond port slots = %v", err)
	}
}

func TestPortLifecycle(t *testing.T) {
	d := New()
	openTestPort(t, d)
	if err := d.OpenPort(dataplane.PortSpec{ID: 0, Queues: 1}); !errors.Is(err, dataplane.ErrPortBusy) {
		t.Errorf("reopen = %v", err)
	}
	if err := d.CreateTable(0, dataplane.TableSpec{ID: 1}); err == nil {
		t.Error("duplicate table accepted")
	}
	if err := d.DestroyTable(0, 1); err != nil {
		t.Fatal(err)
	}
	if d.Tables(0) != 0 {
		t.Errorf("tables = %d", d.Tables(0))
	}
	if err := d.ClosePort(0); err != nil {
		t.Fatal(err)
	}
	if err := d.ClosePort(0); !errors.Is(err, dataplane.ErrUnknownPort) {
		t.Errorf("double close = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}
