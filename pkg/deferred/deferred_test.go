package deferred

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/audit"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/switches/mock"
	"github.com/hil-network/hil/pkg/util"
)

type fixture struct {
	db     *gorm.DB
	fabric *mock.Fabric
	queue  *Queue
	audit  *audit.MemoryLogger

	sw   model.Switch
	node model.Node
	nic  model.Nic
	port model.Port
	netA model.Network
	netB model.Network
}

func mustCreate(t *testing.T, db *gorm.DB, v interface{}) {
	t.Helper()
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("creating %T: %v", v, err)
	}
}

func newFixture(t *testing.T, dummy int) *fixture {
	t.Helper()
	db, err := model.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	f := &fixture{
		db:     db,
		fabric: mock.NewFabric(),
		audit:  audit.NewMemoryLogger(),
	}
	pool := switches.NewPool(switches.NewRegistry(f.fabric.Family()), time.Second)
	t.Cleanup(func() { pool.Close() })
	f.queue = New(db, pool, Options{Concurrency: 4, Audit: f.audit})

	f.sw = model.Switch{Label: "sw0", Type: mock.TypeName, DummyVLAN: dummy}
	mustCreate(t, db, &f.sw)
	f.node = model.Node{Label: "node-01"}
	mustCreate(t, db, &f.node)
	f.nic = model.Nic{NodeID: f.node.ID, Label: "eth0", MacAddr: model.UnknownMAC}
	mustCreate(t, db, &f.nic)
	f.port = model.Port{SwitchID: f.sw.ID, Label: "gi1/0/1", NicID: &f.nic.ID}
	mustCreate(t, db, &f.port)
	f.netA = model.Network{Label: "net-a", NetworkID: "1001"}
	mustCreate(t, db, &f.netA)
	f.netB = model.Network{Label: "net-b", NetworkID: "1002"}
	mustCreate(t, db, &f.netB)
	return f
}

func (f *fixture) connect(network *model.Network, channel string) (string, error) {
	var id string
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = f.queue.EnqueueConnect(tx, &f.port, &f.nic, network, channel)
		return err
	})
	return id, err
}

func (f *fixture) detach(network *model.Network, channel string) (string, error) {
	var id string
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = f.queue.EnqueueDetach(tx, &f.port, &f.nic, network, channel)
		return err
	})
	return id, err
}

func (f *fixture) revert() (string, error) {
	var id string
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = f.queue.EnqueueRevert(tx, &f.port, &f.nic)
		return err
	})
	return id, err
}

// mustEnqueue unwraps an enqueue result: mustEnqueue(t)(f.connect(...)).
func mustEnqueue(t *testing.T) func(string, error) string {
	t.Helper()
	return func(id string, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("enqueue error = %v", err)
		}
		return id
	}
}

func (f *fixture) apply(t *testing.T) Summary {
	t.Helper()
	sum, err := f.queue.Apply(context.Background())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return sum
}

func (f *fixture) status(t *testing.T, id string) *ActionStatus {
	t.Helper()
	st, err := f.queue.Show(id)
	if err != nil {
		t.Fatalf("Show(%s) error = %v", id, err)
	}
	return st
}

func (f *fixture) attachments(t *testing.T) map[string]uint {
	t.Helper()
	var rows []model.NetworkAttachment
	if err := f.db.Where("nic_id = ?", f.nic.ID).Find(&rows).Error; err != nil {
		t.Fatal(err)
	}
	result := make(map[string]uint)
	for _, r := range rows {
		result[r.Channel] = r.NetworkID
	}
	return result
}

func ops(calls []mock.Call) []mock.Op {
	result := []mock.Op{}
	for _, c := range calls {
		result = append(result, c.Op)
	}
	return result
}

func TestConnectApplyDetach(t *testing.T) {
	f := newFixture(t, 0)

	id := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	st := f.status(t, id)
	if st.Status != model.StatusPending || st.Node != "node-01" || st.Nic != "eth0" || st.Type != model.ActionConnect {
		t.Errorf("Show() = %+v", st)
	}
	if st.TargetNetwork == nil || *st.TargetNetwork != "net-a" {
		t.Errorf("TargetNetwork = %v, want net-a", st.TargetNetwork)
	}
	if got := f.attachments(t); !reflect.DeepEqual(got, map[string]uint{model.ChannelNative: f.netA.ID}) {
		t.Errorf("optimistic attachment = %v", got)
	}

	if _, err := f.connect(&f.netB, model.ChannelNative); !errors.Is(err, util.ErrConflict) {
		t.Errorf("second connect on same channel = %v, want Conflict", err)
	}

	if sum := f.apply(t); sum != (Summary{Done: 1}) {
		t.Errorf("Apply() = %+v", sum)
	}
	if st := f.status(t, id); st.Status != model.StatusDone {
		t.Errorf("status after apply = %s", st.Status)
	}
	want := []switches.PortVLAN{{Channel: switches.ChannelNative, VLAN: 1001}}
	if got := f.fabric.PortState("sw0", "gi1/0/1"); !reflect.DeepEqual(got, want) {
		t.Errorf("port state = %v, want %v", got, want)
	}
	wantOps := []mock.Op{mock.OpApplyVLAN, mock.OpSetNative, mock.OpPersistConfig}
	if got := ops(f.fabric.Calls("sw0")); !reflect.DeepEqual(got, wantOps) {
		t.Errorf("calls = %v, want %v", got, wantOps)
	}

	did := mustEnqueue(t)(f.detach(&f.netA, model.ChannelNative))
	if st := f.status(t, did); st.TargetNetwork != nil {
		t.Errorf("detach TargetNetwork = %v, want nil", *st.TargetNetwork)
	}
	if got := f.attachments(t); len(got) != 1 {
		t.Errorf("attachment removed before apply: %v", got)
	}
	f.apply(t)
	if got := f.fabric.PortState("sw0", "gi1/0/1"); len(got) != 0 {
		t.Errorf("port state after detach = %v", got)
	}
	if got := f.attachments(t); len(got) != 0 {
		t.Errorf("attachments after detach = %v", got)
	}
}

func TestTaggedConnect(t *testing.T) {
	f := newFixture(t, 0)
	mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	mustEnqueue(t)(f.connect(&f.netB, "vlan/1002"))
	if sum := f.apply(t); sum.Done != 2 {
		t.Fatalf("Apply() = %+v", sum)
	}
	want := []switches.PortVLAN{
		{Channel: switches.ChannelNative, VLAN: 1001},
		{Channel: "vlan/1002", VLAN: 1002},
	}
	if got := f.fabric.PortState("sw0", "gi1/0/1"); !reflect.DeepEqual(got, want) {
		t.Errorf("port state = %v, want %v", got, want)
	}
}

func TestSwitchFailureMarksError(t *testing.T) {
	f := newFixture(t, 0)
	f.fabric.FailNext("sw0", mock.OpSetNative, mock.CommError("sw0"))

	id := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	if sum := f.apply(t); sum != (Summary{Failed: 1}) {
		t.Errorf("Apply() = %+v", sum)
	}
	st := f.status(t, id)
	if st.Status != model.StatusError || st.Error == "" {
		t.Errorf("Show() = %+v, want ERROR with message", st)
	}
	if got := f.attachments(t); len(got) != 0 {
		t.Errorf("attachment not rolled back: %v", got)
	}
	if got := f.fabric.PortState("sw0", "gi1/0/1"); len(got) != 0 {
		t.Errorf("vlan left on port after failed native set: %v", got)
	}
	wantOps := []mock.Op{mock.OpApplyVLAN, mock.OpSetNative, mock.OpRemoveVLAN}
	if got := ops(f.fabric.Calls("sw0")); !reflect.DeepEqual(got, wantOps) {
		t.Errorf("calls = %v, want %v", got, wantOps)
	}

	// Terminal: a second apply does not retry.
	if sum := f.apply(t); sum.Total() != 0 {
		t.Errorf("second Apply() = %+v", sum)
	}

	// The caller re-issues; the channel is free again.
	mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	if sum := f.apply(t); sum.Done != 1 {
		t.Errorf("retry Apply() = %+v", sum)
	}
}

func TestFailedDetachKeepsAttachment(t *testing.T) {
	f := newFixture(t, 0)
	mustEnqueue(t)(f.connect(&f.netA, "vlan/1001"))
	f.apply(t)

	f.fabric.FailNext("sw0", mock.OpRemoveVLAN, util.NewSwitchProtocolError("sw0", "remove vlan", "% Invalid input"))
	id := mustEnqueue(t)(f.detach(&f.netA, "vlan/1001"))
	f.apply(t)
	if st := f.status(t, id); st.Status != model.StatusError {
		t.Errorf("status = %s, want ERROR", st.Status)
	}
	if got := f.attachments(t); !reflect.DeepEqual(got, map[string]uint{"vlan/1001": f.netA.ID}) {
		t.Errorf("attachments = %v, want kept", got)
	}
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, 0)
	f.fabric.FailNext("sw0", mock.OpPersistConfig, mock.CommError("sw0"))
	id := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	f.apply(t)
	if st := f.status(t, id); st.Status != model.StatusDone {
		t.Errorf("status = %s, want DONE", st.Status)
	}
}

func TestPendingConflicts(t *testing.T) {
	tests := []struct {
		name   string
		first  func(f *fixture) (string, error)
		second func(f *fixture) (string, error)
		ok     bool
	}{
		{
			name:   "different channels",
			first:  func(f *fixture) (string, error) { return f.connect(&f.netA, model.ChannelNative) },
			second: func(f *fixture) (string, error) { return f.connect(&f.netB, "vlan/1002") },
			ok:     true,
		},
		{
			name:   "same channel",
			first:  func(f *fixture) (string, error) { return f.connect(&f.netA, "vlan/1001") },
			second: func(f *fixture) (string, error) { return f.detach(&f.netA, "vlan/1001") },
		},
		{
			name:   "revert after connect",
			first:  func(f *fixture) (string, error) { return f.connect(&f.netA, model.ChannelNative) },
			second: func(f *fixture) (string, error) { return f.revert() },
		},
		{
			name:   "connect after revert",
			first:  func(f *fixture) (string, error) { return f.revert() },
			second: func(f *fixture) (string, error) { return f.connect(&f.netA, model.ChannelNative) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			mustEnqueue(t)(tt.first(f))
			_, err := tt.second(f)
			if tt.ok && err != nil {
				t.Errorf("second enqueue error = %v", err)
			}
			if !tt.ok && !errors.Is(err, util.ErrConflict) {
				t.Errorf("second enqueue = %v, want Conflict", err)
			}
		})
	}
}

func TestConflictRollsBackTransaction(t *testing.T) {
	f := newFixture(t, 0)
	mustEnqueue(t)(f.revert())
	if _, err := f.connect(&f.netA, model.ChannelNative); err == nil {
		t.Fatal("connect during revert succeeded")
	}
	if got := f.attachments(t); len(got) != 0 {
		t.Errorf("attachment written despite conflict: %v", got)
	}
}

func TestRevert(t *testing.T) {
	f := newFixture(t, 2999)
	f.fabric.SetPort("sw0", "gi1/0/1", 1001, 1001, 1002, 1003)
	f.db.Create(&model.NetworkAttachment{NicID: f.nic.ID, NetworkID: f.netA.ID, Channel: model.ChannelNative})
	f.db.Create(&model.NetworkAttachment{NicID: f.nic.ID, NetworkID: f.netB.ID, Channel: "vlan/1002"})

	id := mustEnqueue(t)(f.revert())
	if st := f.status(t, id); st.Type != model.ActionRevert || st.TargetNetwork != nil {
		t.Errorf("Show() = %+v", st)
	}
	f.apply(t)

	if got := f.fabric.PortStateWithDummy("sw0", "gi1/0/1", 2999); len(got) != 0 {
		t.Errorf("port state after revert = %v", got)
	}
	if got := f.fabric.RawNative("sw0", "gi1/0/1"); got != 2999 {
		t.Errorf("native = %d, want dummy 2999", got)
	}
	if got := f.attachments(t); len(got) != 0 {
		t.Errorf("attachments after revert = %v", got)
	}
	wantOps := []mock.Op{
		mock.OpReadPortState,
		mock.OpRemoveVLAN, mock.OpRemoveVLAN,
		mock.OpClearNative, mock.OpRemoveVLAN,
		mock.OpPersistConfig,
	}
	if got := ops(f.fabric.Calls("sw0")); !reflect.DeepEqual(got, wantOps) {
		t.Errorf("calls = %v, want %v", got, wantOps)
	}
}

func TestPerPortOrder(t *testing.T) {
	f := newFixture(t, 0)
	mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	mustEnqueue(t)(f.connect(&f.netB, "vlan/1002"))

	// A second port on the same switch, applied in the same pass.
	node2 := model.Node{Label: "node-02"}
	mustCreate(t, f.db, &node2)
	nic2 := model.Nic{NodeID: node2.ID, Label: "eth0"}
	mustCreate(t, f.db, &nic2)
	port2 := model.Port{SwitchID: f.sw.ID, Label: "gi1/0/2", NicID: &nic2.ID}
	mustCreate(t, f.db, &port2)
	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.queue.EnqueueConnect(tx, &port2, &nic2, &f.netA, "vlan/1001")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if sum := f.apply(t); sum.Done != 3 {
		t.Fatalf("Apply() = %+v", sum)
	}
	var port1 []mock.Call
	for _, c := range f.fabric.Calls("sw0") {
		if c.Port == "gi1/0/1" {
			port1 = append(port1, c)
		}
	}
	want := []mock.Call{
		{Op: mock.OpApplyVLAN, Port: "gi1/0/1", VLAN: 1001},
		{Op: mock.OpSetNative, Port: "gi1/0/1", VLAN: 1001},
		{Op: mock.OpApplyVLAN, Port: "gi1/0/1", VLAN: 1002},
	}
	if !reflect.DeepEqual(port1, want) {
		t.Errorf("gi1/0/1 calls = %v, want %v", port1, want)
	}
}

func TestLockedSwitchLeavesPending(t *testing.T) {
	f := newFixture(t, 0)
	locked := fmt.Errorf("switch sw0: %w (held by hil@other:1)", util.ErrSwitchLocked)
	f.fabric.FailNext("sw0", mock.OpApplyVLAN, locked)

	first := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	second := mustEnqueue(t)(f.connect(&f.netB, "vlan/1002"))
	if sum := f.apply(t); sum != (Summary{Deferred: 2}) {
		t.Errorf("Apply() = %+v, want both deferred", sum)
	}
	for _, id := range []string{first, second} {
		if st := f.status(t, id); st.Status != model.StatusPending {
			t.Errorf("%s status = %s, want PENDING", id, st.Status)
		}
	}

	if sum := f.apply(t); sum != (Summary{Done: 2}) {
		t.Errorf("retry Apply() = %+v", sum)
	}
}

func TestCancelledApplyLeavesPending(t *testing.T) {
	f := newFixture(t, 0)
	id := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.queue.Apply(ctx); err == nil {
		t.Error("Apply() with cancelled context succeeded")
	}
	if st := f.status(t, id); st.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", st.Status)
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t, 0)
	mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	f.apply(t)
	f.fabric.FailNext("sw0", mock.OpRemoveVLAN, mock.CommError("sw0"))
	mustEnqueue(t)(f.detach(&f.netA, model.ChannelNative))
	f.apply(t)

	events, _ := f.audit.Query(audit.Filter{})
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	ok, failed := events[0], events[1]
	if !ok.Success || ok.Operation != model.ActionConnect || ok.Switch != "sw0" || ok.Port != "gi1/0/1" || ok.VLAN != 1001 || ok.Network != "net-a" {
		t.Errorf("connect event = %+v", ok)
	}
	if failed.Success || failed.Operation != model.ActionDetach || failed.Error == "" {
		t.Errorf("detach event = %+v", failed)
	}
}

func TestShowUnknown(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.queue.Show("no-such-id"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Show() = %v, want NotFound", err)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t, 0)
	mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	f.apply(t)
	mustEnqueue(t)(f.connect(&f.netB, "vlan/1002"))

	all, err := f.queue.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Status != model.StatusDone || all[1].Status != model.StatusPending {
		t.Errorf("List() = %+v", all)
	}
	if all[0].Switch != "sw0" || all[0].Port != "gi1/0/1" {
		t.Errorf("List()[0] location = %s/%s", all[0].Switch, all[0].Port)
	}
	pending, _ := f.queue.List(model.StatusPending)
	if len(pending) != 1 || pending[0].ID != all[1].ID {
		t.Errorf("List(PENDING) = %+v", pending)
	}
}

func TestPendingHelpers(t *testing.T) {
	f := newFixture(t, 0)
	mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))

	checks := []struct {
		name string
		fn   func() (bool, error)
		want bool
	}{
		{"port", func() (bool, error) { return PendingOnPorts(f.db, f.port.ID) }, true},
		{"other port", func() (bool, error) { return PendingOnPorts(f.db, f.port.ID+100) }, false},
		{"no ports", func() (bool, error) { return PendingOnPorts(f.db) }, false},
		{"nic", func() (bool, error) { return PendingOnNics(f.db, f.nic.ID) }, true},
		{"network", func() (bool, error) { return PendingOnNetwork(f.db, f.netA.ID) }, true},
		{"other network", func() (bool, error) { return PendingOnNetwork(f.db, f.netB.ID) }, false},
	}
	for _, c := range checks {
		got, err := c.fn()
		if err != nil || got != c.want {
			t.Errorf("%s: got %v, %v; want %v", c.name, got, err, c.want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 0)
	id := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.queue.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := f.status(t, id); st.Status == model.StatusDone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop")
	}
	if st := f.status(t, id); st.Status != model.StatusDone {
		t.Errorf("status = %s, want DONE", st.Status)
	}
}

func (f *fixture) claimAs(t *testing.T, id, holder string, at time.Time) {
	t.Helper()
	err := f.db.Model(&model.NetworkingAction{}).
		Where("uuid = ?", id).
		Updates(map[string]interface{}{"claimed_by": holder, "claimed_at": at}).Error
	if err != nil {
		t.Fatal(err)
	}
}

func TestClaimedActionIsLeftAlone(t *testing.T) {
	f := newFixture(t, 0)
	id := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	f.claimAs(t, id, "hil@other:1/run", time.Now())

	if sum := f.apply(t); sum != (Summary{Deferred: 1}) {
		t.Errorf("Apply() = %+v, want deferred", sum)
	}
	if got := f.fabric.Calls("sw0"); len(got) != 0 {
		t.Errorf("switch driven despite foreign claim: %v", got)
	}
	if st := f.status(t, id); st.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", st.Status)
	}

	// A claim past its lease is taken over.
	f.claimAs(t, id, "hil@other:1/run", time.Now().Add(-2*DefaultClaimTTL))
	if sum := f.apply(t); sum != (Summary{Done: 1}) {
		t.Errorf("Apply() after lease expiry = %+v", sum)
	}
}

func TestDeferredActionReleasesClaim(t *testing.T) {
	f := newFixture(t, 0)
	locked := fmt.Errorf("switch sw0: %w (held by hil@other:1)", util.ErrSwitchLocked)
	f.fabric.FailNext("sw0", mock.OpApplyVLAN, locked)
	id := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	f.apply(t)

	var a model.NetworkingAction
	if err := f.db.Where("uuid = ?", id).First(&a).Error; err != nil {
		t.Fatal(err)
	}
	if a.ClaimedBy != "" || a.ClaimedAt != nil {
		t.Errorf("claim kept after deferral: %q %v", a.ClaimedBy, a.ClaimedAt)
	}
}

func TestConcurrentApplyDrivesOnce(t *testing.T) {
	f := newFixture(t, 0)
	other := switches.NewPool(switches.NewRegistry(f.fabric.Family()), time.Second)
	t.Cleanup(func() { other.Close() })
	queues := []*Queue{f.queue, New(f.db, other, Options{})}

	id := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))

	var (
		wg   sync.WaitGroup
		sums = make([]Summary, len(queues))
		errs = make([]error, len(queues))
	)
	start := make(chan struct{})
	for i, q := range queues {
		wg.Add(1)
		go func(i int, q *Queue) {
			defer wg.Done()
			<-start
			sums[i], errs[i] = q.Apply(context.Background())
		}(i, q)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Apply() #%d error = %v", i, err)
		}
	}
	if done := sums[0].Done + sums[1].Done; done != 1 {
		t.Errorf("Done across runs = %d, want 1 (%+v)", done, sums)
	}
	applied := 0
	for _, c := range f.fabric.Calls("sw0") {
		if c.Op == mock.OpApplyVLAN {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("ApplyVLAN calls = %d, want 1", applied)
	}
	if st := f.status(t, id); st.Status != model.StatusDone {
		t.Errorf("status = %s, want DONE", st.Status)
	}
}

func TestTaggedConnectNeedsAppliedNative(t *testing.T) {
	f := newFixture(t, 0)
	strict := f.fabric.Family()
	strict.Name = "strict"
	strict.Capabilities = func(switches.Config) []string {
		return []string{switches.CapNativeFirst}
	}
	f.queue.Pool().Registry().Register(strict)
	if err := f.db.Model(&f.sw).Update("type", "strict").Error; err != nil {
		t.Fatal(err)
	}
	f.fabric.FailNext("sw0", mock.OpSetNative, mock.CommError("sw0"))

	native := mustEnqueue(t)(f.connect(&f.netA, model.ChannelNative))
	tagged := mustEnqueue(t)(f.connect(&f.netB, "vlan/1002"))
	if sum := f.apply(t); sum != (Summary{Failed: 2}) {
		t.Errorf("Apply() = %+v, want both failed", sum)
	}
	for _, id := range []string{native, tagged} {
		if st := f.status(t, id); st.Status != model.StatusError {
			t.Errorf("%s status = %s, want ERROR", id, st.Status)
		}
	}
	if got := f.fabric.PortState("sw0", "gi1/0/1"); len(got) != 0 {
		t.Errorf("port state = %v, want empty", got)
	}
	if got := f.attachments(t); len(got) != 0 {
		t.Errorf("attachments = %v, want none", got)
	}
}
