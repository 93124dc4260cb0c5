package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/rollcall/internal/backup"
	"github.com/user/rollcall/internal/delivery"
	"github.com/user/rollcall/internal/export"
	"github.com/user/rollcall/internal/remote"
	"github.com/user/rollcall/internal/state"
	"github.com/user/rollcall/internal/types"
)

type fixture struct {
	kv       types.KVStore
	sessions *state.SessionStore
	queue    *backup.Queue
	store    *remote.MemStore
	driver   *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := state.NewMemKV()
	sessions := state.NewSessionStore(kv)
	queue := backup.NewQueue(kv, sessions, 3)
	store := remote.NewMemStore()
	exporter := export.NewWorkbook(time.UTC)
	deliverer := delivery.NewDeliverer(store, exporter, delivery.DefaultRegistry("backups"), delivery.ConflictPolicy(2, time.Millisecond, time.Millisecond))

	return &fixture{
		kv:       kv,
		sessions: sessions,
		queue:    queue,
		store:    store,
		driver: New(Config{
			KV:         kv,
			Sessions:   sessions,
			Queue:      queue,
			Deliverer:  deliverer,
			Exporter:   exporter,
			AutoBackup: true,
		}),
	}
}

func (f *fixture) endedSession(t *testing.T, location string) *types.Session {
	t.Helper()
	sess := types.NewSession(types.SessionScanner, location, time.Now())
	sess.AddEntry("111111", false, time.Now())
	sess.Status = types.StatusClosedNormally
	if _, err := f.sessions.Upsert(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestOfflineExportDrainsWhenOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.endedSession(t, "Room A")
	delivered, err := f.driver.ExportAndDeliver(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if delivered {
		t.Fatal("expected the export to be queued while offline")
	}
	if n, _ := f.queue.Pending(ctx); n != 1 {
		t.Fatalf("expected 1 pending job, got %d", n)
	}
	if last, _ := f.driver.LastBackupTime(ctx); !last.IsZero() {
		t.Errorf("expected no backup yet, got %v", last)
	}

	res, err := f.driver.OnConnectivityRestored(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.Remaining != 0 {
		t.Errorf("unexpected drain result %+v", res)
	}
	if last, _ := f.driver.LastBackupTime(ctx); last.IsZero() {
		t.Error("expected last backup time to be recorded")
	}
	got, _ := f.sessions.Get(ctx, sess.ID)
	if !got.BackedUp {
		t.Error("expected session to be backed up")
	}
	if _, ok := f.store.Read("backups/scanner/" + export.FileName(sess)); !ok {
		t.Error("expected the export in the remote store")
	}
}

func TestProbeFailureLeavesQueueUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.endedSession(t, "Room A")
	f.driver.ExportAndDeliver(ctx, sess)
	f.store.SetOffline(true)

	_, err := f.driver.OnConnectivityRestored(ctx)
	if !errors.Is(err, types.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	jobs, _ := f.queue.Jobs(ctx)
	if len(jobs) != 1 || jobs[0].RetryCount != 0 {
		t.Errorf("expected queue untouched, got %+v", jobs)
	}
}

func TestOnlineExportDeliversDirectly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.SetOnline(true)

	sess := f.endedSession(t, "Room A")
	delivered, err := f.driver.ExportAndDeliver(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if !delivered || !sess.BackedUp {
		t.Error("expected direct delivery while online")
	}
	if n, _ := f.queue.Pending(ctx); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestFailedDirectDeliveryFallsBackToQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.SetOnline(true)
	f.store.BeforePut = func(string) error { return errors.New("connection reset") }

	report, err := f.driver.BackupNow(ctx, []*types.Session{f.endedSession(t, "Room A"), f.endedSession(t, "Room B")})
	if err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 0 || report.Queued != 2 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestAutoBackupDisabledQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.SetOnline(true)

	if !f.driver.AutoBackup(ctx) {
		t.Fatal("expected configured default to be on")
	}
	if err := f.driver.SetAutoBackup(ctx, false); err != nil {
		t.Fatal(err)
	}

	delivered, err := f.driver.ExportAndDeliver(ctx, f.endedSession(t, "Room A"))
	if err != nil {
		t.Fatal(err)
	}
	if delivered {
		t.Error("expected export to be queued with auto backup off")
	}
	if f.store.Len() != 0 {
		t.Errorf("expected nothing delivered, got %d objects", f.store.Len())
	}
}

func TestConcurrentRestoredEventsCoalesce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.ExportAndDeliver(ctx, f.endedSession(t, "Room A"))

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var mu sync.Mutex
	puts := 0
	f.store.BeforePut = func(string) error {
		mu.Lock()
		puts++
		mu.Unlock()
		entered <- struct{}{}
		<-release
		return nil
	}

	var wg sync.WaitGroup
	results := make([]backup.DrainResult, 3)
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.driver.OnConnectivityRestored(ctx)
	}()
	<-entered

	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.driver.OnConnectivityRestored(ctx)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if puts != 1 {
		t.Errorf("expected a single delivery, got %d", puts)
	}
	for i, err := range errs {
		if err != nil && !errors.Is(err, types.ErrDrainInProgress) {
			t.Errorf("call %d: unexpected error %v", i, err)
		}
	}
	if results[0].Succeeded != 1 {
		t.Errorf("expected the first pass to deliver, got %+v", results[0])
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.ExportAndDeliver(ctx, f.endedSession(t, "Room A"))

	st, err := f.driver.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 1 || st.Online || st.LastBackup != nil || !st.AutoBackup {
		t.Errorf("unexpected status %+v", st)
	}

	f.driver.OnConnectivityRestored(ctx)
	st, _ = f.driver.Status(ctx)
	if st.Pending != 0 || !st.Online || st.LastBackup == nil {
		t.Errorf("unexpected status after reconciliation %+v", st)
	}

	objects, err := f.driver.ListRemote(ctx, types.SessionScanner)
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 1 {
		t.Errorf("expected 1 remote backup, got %d", len(objects))
	}
}

func TestHandleConnectivityDrainsOnReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.endedSession(t, "Room C")
	if _, err := f.driver.ExportAndDeliver(ctx, sess); err != nil {
		t.Fatal(err)
	}

	f.driver.HandleConnectivity(ctx, true)
	if !f.driver.Online() {
		t.Fatal("expected driver online")
	}
	if n, _ := f.queue.Pending(ctx); n != 0 {
		t.Fatalf("expected queue drained on reconnect, got %d pending", n)
	}
	if f.store.Len() != 1 {
		t.Fatalf("expected 1 remote object, got %d", f.store.Len())
	}

	f.driver.HandleConnectivity(ctx, false)
	if f.driver.Online() {
		t.Fatal("expected driver offline")
	}
}

func TestBackupNowBoundsConcurrentUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	inFlight, peak := 0, 0
	f.store.BeforePut = func(string) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	var list []*types.Session
	for _, room := range []string{"A", "B", "C", "D", "E"} {
		list = append(list, f.endedSession(t, "Room "+room))
	}
	report, err := f.driver.BackupNow(ctx, list)
	if err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 5 || report.Queued != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent uploads, saw %d", peak)
	}
	for _, sess := range list {
		stored, err := f.sessions.Get(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !stored.BackedUp {
			t.Errorf("session %s not marked backed up", sess.Location)
		}
	}
}

func TestClearRemoteArchivesDeliveredExports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.SetOnline(true)

	sess := f.endedSession(t, "Room A")
	if delivered, err := f.driver.ExportAndDeliver(ctx, sess); err != nil || !delivered {
		t.Fatalf("expected direct delivery, got delivered=%v err=%v", delivered, err)
	}

	res, err := f.driver.ClearRemote(ctx, types.SessionScanner)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Moved != 1 || res.Failed != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, ok := f.store.Read("old_backups/scanner/" + export.FileName(sess)); !ok {
		t.Error("expected the export in the archive directory")
	}
	objects, err := f.driver.ListRemote(ctx, types.SessionScanner)
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 0 {
		t.Errorf("expected no listed exports after clear, got %+v", objects)
	}
}

func TestClearRemoteOffline(t *testing.T) {
	f := newFixture(t)
	f.store.Write("backups/scanner/a.xlsx", []byte("a"))
	f.store.SetOffline(true)

	_, err := f.driver.ClearRemote(context.Background(), types.SessionScanner)
	if !errors.Is(err, types.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}

	f.store.SetOffline(false)
	if _, ok := f.store.Read("backups/scanner/a.xlsx"); !ok {
		t.Error("expected nothing moved while offline")
	}
}
