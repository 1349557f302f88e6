package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/rights"
)

type fakeTarget struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTarget) record(call string) (*jobs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return &jobs.Handle{Job: models.Job{ID: uint(len(f.calls))}}, nil
}

func (f *fakeTarget) AutoUpdate(_ context.Context, id uint) (*jobs.Handle, error) {
	return f.record(fmt.Sprintf("update %d", id))
}

func (f *fakeTarget) StartInstance(_ context.Context, id uint, caller rights.Caller) (*jobs.Handle, error) {
	return f.record(fmt.Sprintf("start %d by %s", id, caller.Name))
}

func (f *fakeTarget) StopInstance(_ context.Context, id uint, soft bool, caller rights.Caller) (*jobs.Handle, error) {
	return f.record(fmt.Sprintf("stop %d soft=%v by %s", id, soft, caller.Name))
}

type fakeLister []models.Instance

func (f *fakeLister) ListInstances(context.Context) ([]models.Instance, error) {
	return *f, nil
}

// fire runs the entry for instanceID and action immediately.
func (r *Runner) fire(instanceID uint, action string) bool {
	r.mu.Lock()
	id, ok := r.entries[key{instanceID: instanceID, action: action}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.cron.Entry(id).Job.Run()
	return true
}

func TestReload(t *testing.T) {
	target := &fakeTarget{}
	insts := fakeLister{
		{ID: 1, AutoUpdateCron: "0 4 * * *", AutoStopCron: "30 3 * * *"},
		{ID: 2, AutoStartCron: "*/5 * * * *"},
		{ID: 3},
	}
	r := New(target, &insts, zerolog.Nop())
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got := r.Entries()
	want := []Entry{
		{InstanceID: 1, Action: ActionStop, Expr: "30 3 * * *"},
		{InstanceID: 1, Action: ActionUpdate, Expr: "0 4 * * *"},
		{InstanceID: 2, Action: ActionStart, Expr: "*/5 * * * *"},
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %+v", got)
	}
	for i := range want {
		if got[i].InstanceID != want[i].InstanceID || got[i].Action != want[i].Action || got[i].Expr != want[i].Expr {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// Reloading replaces entries rather than adding to them.
	insts = fakeLister{{ID: 2, AutoUpdateCron: "0 * * * *"}}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := r.Entries(); len(got) != 1 || got[0].InstanceID != 2 || got[0].Action != ActionUpdate {
		t.Errorf("entries after reload = %+v", got)
	}
	if r.fire(1, ActionStop) {
		t.Error("removed entry still fires")
	}
}

func TestReload_InvalidExpression(t *testing.T) {
	insts := fakeLister{
		{ID: 1, AutoStartCron: "every tuesday"},
		{ID: 2, AutoStartCron: "0 9 * * 1"},
	}
	r := New(&fakeTarget{}, &insts, zerolog.Nop())
	err := r.Reload(context.Background())
	if err == nil || !strings.Contains(err.Error(), "instance 1 start") {
		t.Fatalf("Reload error = %v", err)
	}
	if got := r.Entries(); len(got) != 1 || got[0].InstanceID != 2 {
		t.Errorf("valid entries should still load, got %+v", got)
	}
}

func TestActions(t *testing.T) {
	target := &fakeTarget{}
	insts := fakeLister{{ID: 4, AutoUpdateCron: "0 4 * * *", AutoStartCron: "0 5 * * *", AutoStopCron: "0 3 * * *"}}
	r := New(target, &insts, zerolog.Nop())
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	for _, action := range []string{ActionUpdate, ActionStop, ActionStart} {
		if !r.fire(4, action) {
			t.Fatalf("no %s entry", action)
		}
	}
	want := []string{"update 4", "stop 4 soft=true by system", "start 4 by system"}
	if strings.Join(target.calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %q, want %q", target.calls, want)
	}
}

func TestActions_ErrorIsLogged(t *testing.T) {
	target := &fakeTarget{err: errors.New("watchdog busy")}
	insts := fakeLister{{ID: 1, AutoStartCron: "0 5 * * *"}}
	r := New(target, &insts, zerolog.Nop())
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !r.fire(1, ActionStart) {
		t.Fatal("no start entry")
	}
	if len(target.calls) != 1 {
		t.Errorf("calls = %v", target.calls)
	}
}

func TestStartStop(t *testing.T) {
	insts := fakeLister{{ID: 1, AutoUpdateCron: "0 4 * * *"}}
	r := New(&fakeTarget{}, &insts, zerolog.Nop())
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	r.Start()
	defer func() { <-r.Stop().Done() }()

	// The first run time is computed once the runner's loop starts.
	deadline := time.Now().Add(5 * time.Second)
	next := r.Entries()[0].Next
	for next.IsZero() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		next = r.Entries()[0].Next
	}
	if next.IsZero() || next.Hour() != 4 || next.Minute() != 0 {
		t.Errorf("next run = %v, want 04:00 UTC", next)
	}
}
