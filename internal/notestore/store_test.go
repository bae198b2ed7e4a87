package notestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/starford/quill/internal/apperr"
	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/noteindex"
	"github.com/starford/quill/internal/querycache"
	"github.com/starford/quill/internal/storage"
	"github.com/starford/quill/internal/testutil"
)

func newStore(t testing.TB, backend storage.Backend) *Store {
	t.Helper()
	s := New(backend, testutil.Logger())
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func resultIDs(r querycache.Result) []string {
	out := make([]string, len(r.Notes))
	for i, n := range r.Notes {
		out[i] = n.ID
	}
	return out
}

func TestScenario_CreateSaveSearchRemove(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testutil.TestSQLite(t))

	n, err := s.Create(ctx, "A", "x")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.ID != "1" {
		t.Fatalf("id = %q, want 1", n.ID)
	}
	if _, err := s.Save(ctx, "1", "A", "xy"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sub := s.Search("xy")
	defer sub.Close()
	r := sub.Result()
	if r.Status != querycache.StatusReady || len(r.Notes) != 1 || r.Notes[0] != (models.Note{ID: "1", Title: "A", Content: "xy"}) {
		t.Fatalf("result = %+v", r)
	}

	if err := s.Remove(ctx, "1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := sub.Result().Notes; len(got) != 0 {
		t.Errorf("after remove = %+v, want empty", got)
	}
}

func TestLoad_PreservesBackendOrder(t *testing.T) {
	fake := testutil.NewFake(
		models.Note{ID: "3", Title: "c"},
		models.Note{ID: "1", Title: "a"},
		models.Note{ID: "2", Title: "b"},
	)
	s := newStore(t, fake)
	sub := s.Search("")
	defer sub.Close()

	if got := fmt.Sprint(resultIDs(sub.Result())); got != "[3 1 2]" {
		t.Errorf("order = %s", got)
	}
	if !s.Ready() {
		t.Error("expected Ready")
	}
}

func TestLoad_FailureSurfacesToSubscribers(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake(models.Note{ID: "1", Title: "kept"})
	boom := errors.New("disk on fire")
	fake.FailNext(testutil.OpScan, boom)

	s := New(fake, testutil.Logger())
	sub := s.Search("")
	defer sub.Close()

	err := s.Load(ctx)
	if !errors.Is(err, apperr.ErrStorageUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("Load err = %v", err)
	}
	r := sub.Result()
	if r.Status != querycache.StatusError || len(r.Notes) != 0 {
		t.Fatalf("result = %+v", r)
	}
	if s.Ready() {
		t.Error("store should not be ready")
	}

	// Writes still go through and the error sticks.
	if _, err := s.Create(ctx, "new", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r := sub.Result(); r.Status != querycache.StatusError || len(r.Notes) != 1 {
		t.Fatalf("result after create = %+v", r)
	}

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	r = sub.Result()
	if r.Status != querycache.StatusReady || len(r.Notes) != 2 {
		t.Errorf("result after reload = %+v", r)
	}
	if got := fmt.Sprint(resultIDs(r)); got != "[2 1]" {
		t.Errorf("order = %s, want known id first", got)
	}
}

func TestCreate_FailureLeavesIndexUnchanged(t *testing.T) {
	fake := testutil.NewFake()
	s := newStore(t, fake)
	sub := s.Search("")
	defer sub.Close()
	v := sub.Result().Version

	cause := errors.New("write refused")
	fake.FailNext(testutil.OpInsert, cause)
	_, err := s.Create(context.Background(), "t", "c")
	if !errors.Is(err, apperr.ErrPersistence) || !errors.Is(err, cause) {
		t.Fatalf("err = %v", err)
	}
	if s.Len() != 0 || sub.Result().Version != v {
		t.Errorf("index changed on failed create")
	}
}

func TestSave_UnknownID(t *testing.T) {
	fake := testutil.NewFake()
	s := newStore(t, fake)

	_, err := s.Save(context.Background(), "42", "t", "c")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(fake.Calls(testutil.OpUpdate)) != 0 {
		t.Error("backend should not be called for an unknown id")
	}
}

func TestSave_FailureKeepsOldNote(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	n, _ := s.Create(ctx, "t", "old")

	fake.FailNext(testutil.OpUpdate, errors.New("io"))
	if _, err := s.Save(ctx, n.ID, "t", "new"); !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("err = %v", err)
	}
	if got, _ := s.Get(n.ID); got.Content != "old" {
		t.Errorf("content = %q, want old", got.Content)
	}
}

func TestRemove_Twice(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	n, _ := s.Create(ctx, "t", "")
	sub := s.Search("")
	defer sub.Close()

	if err := s.Remove(ctx, n.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	v := sub.Result().Version
	if err := s.Remove(ctx, n.ID); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if sub.Result().Version != v {
		t.Error("second remove changed the result")
	}
	if got := len(fake.Calls(testutil.OpDelete)); got != 1 {
		t.Errorf("backend deletes = %d, want 1", got)
	}
}

func TestClearAll_ObservedInOneStep(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testutil.NewFake())
	for i := 0; i < 3; i++ {
		_, _ = s.Create(ctx, "n", "")
	}
	sub := s.Search("")
	defer sub.Close()
	<-sub.Updates()
	before := sub.Result()
	if len(before.Notes) != 3 {
		t.Fatalf("len = %d, want 3", len(before.Notes))
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	<-sub.Updates()
	after := sub.Result()
	if len(after.Notes) != 0 || after.Version != before.Version+1 {
		t.Errorf("after = %+v, want empty one version later", after)
	}
}

func TestClearAll_WaitsForInFlightSave(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	n, _ := s.Create(ctx, "t", "v1")

	entered, release := fake.Block(testutil.OpUpdate)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.Save(ctx, n.ID, "t", "v2")
	}()
	<-entered

	clearDone := make(chan error, 1)
	go func() {
		defer wg.Done()
		clearDone <- s.ClearAll(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	if len(fake.Calls(testutil.OpDeleteAll)) != 0 {
		t.Fatal("ClearAll ran while a save was in flight")
	}
	release()
	wg.Wait()
	if err := <-clearDone; err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if s.Len() != 0 || len(fake.Notes()) != 0 {
		t.Fatalf("store len = %d, backend len = %d", s.Len(), len(fake.Notes()))
	}

	// A late save for the cleared id is discarded.
	if _, err := s.Save(ctx, n.ID, "t", "v3"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("late save err = %v, want ErrNotFound", err)
	}
	if s.Len() != 0 || len(fake.Notes()) != 0 {
		t.Error("cleared note was re-inserted")
	}
}

func TestClearAll_PartialFailureResyncs(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	for _, title := range []string{"a", "b", "c"} {
		if _, err := s.Create(ctx, title, ""); err != nil {
			t.Fatal(err)
		}
	}

	fake.FailDeleteAllAfter(1, errors.New("permission denied"))
	err := s.ClearAll(ctx)
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("ClearAll = %v, want persistence error", err)
	}

	if _, ok := s.Get("1"); ok {
		t.Error("note removed from the backend is still indexed")
	}
	sub := s.Search("")
	defer sub.Close()
	if got, want := fmt.Sprint(resultIDs(sub.Result())), "[2 3]"; got != want {
		t.Errorf("ids = %s, want %s", got, want)
	}
	if _, err := s.Save(ctx, "2", "b", "still here"); err != nil {
		t.Errorf("Save of a surviving note: %v", err)
	}
}

func TestClearAll_PartialFailureWithoutRescan(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	_, _ = s.Create(ctx, "a", "")
	_, _ = s.Create(ctx, "b", "")

	fake.FailDeleteAllAfter(1, errors.New("permission denied"))
	fake.FailNext(testutil.OpScan, errors.New("disk gone"))
	if err := s.ClearAll(ctx); err == nil {
		t.Fatal("expected error")
	}

	sub := s.Search("")
	defer sub.Close()
	if r := sub.Result(); r.Status != querycache.StatusError {
		t.Errorf("status = %s, want error until the next reload", r.Status)
	}
	if s.Ready() {
		t.Error("store reports ready with an unverified index")
	}
	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}

func TestSave_SameIDSerialized(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	n, _ := s.Create(ctx, "t", "v0")

	entered, release := fake.Block(testutil.OpUpdate)
	first := make(chan struct{})
	go func() {
		_, _ = s.Save(ctx, n.ID, "t", "v1")
		close(first)
	}()
	<-entered

	second := make(chan struct{})
	go func() {
		_, _ = s.Save(ctx, n.ID, "t", "v2")
		close(second)
	}()
	time.Sleep(50 * time.Millisecond)
	if got := len(fake.Calls(testutil.OpUpdate)); got != 1 {
		t.Fatalf("updates in flight = %d, want 1", got)
	}
	release()
	<-first
	<-second

	if got, _ := s.Get(n.ID); got.Content != "v2" {
		t.Errorf("content = %q, want v2", got.Content)
	}
	if s.locks.size() != 0 {
		t.Errorf("lock table not drained: %d", s.locks.size())
	}
}

func TestSave_DifferentIDsConcurrent(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	a, _ := s.Create(ctx, "a", "")
	b, _ := s.Create(ctx, "b", "")

	entered, release := fake.Block(testutil.OpUpdate)
	defer release()
	done := make(chan struct{}, 2)
	for _, id := range []string{a.ID, b.ID} {
		go func(id string) {
			_, _ = s.Save(ctx, id, "x", "y")
			done <- struct{}{}
		}(id)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("saves on different ids did not run concurrently")
		}
	}
	release()
	<-done
	<-done
}

func TestReload_MergesExternalChanges(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	a, _ := s.Create(ctx, "a", "")
	b, _ := s.Create(ctx, "b", "")

	sub := s.Search("")
	defer sub.Close()

	fake.Put(models.Note{ID: "9", Title: "external"})
	fake.Put(models.Note{ID: a.ID, Title: "a edited"})
	_ = fake.Delete(ctx, b.ID)

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := fmt.Sprint(resultIDs(sub.Result())); got != "[1 9]" {
		t.Errorf("order = %s, want [1 9]", got)
	}
	if got, _ := s.Get(a.ID); got.Title != "a edited" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestReload_ConcurrentCallsShareScan(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFake()
	s := newStore(t, fake)
	scansBefore := len(fake.Calls(testutil.OpScan))

	entered, release := fake.Block(testutil.OpScan)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Reload(ctx)
	}()
	<-entered
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Reload(ctx)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	if got := len(fake.Calls(testutil.OpScan)) - scansBefore; got != 1 {
		t.Errorf("scans = %d, want 1", got)
	}
}

func TestOnChange_CommitOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testutil.NewFake())

	var kinds []models.ChangeKind
	s.OnChange(func(c models.Change) { kinds = append(kinds, c.Kind) })

	n, _ := s.Create(ctx, "t", "")
	_, _ = s.Save(ctx, n.ID, "t", "c")
	_ = s.Remove(ctx, n.ID)
	_ = s.ClearAll(ctx)
	_ = s.Reload(ctx)

	want := []models.ChangeKind{
		models.ChangeCreated, models.ChangeUpdated, models.ChangeDeleted,
		models.ChangeCleared, models.ChangeReloaded,
	}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
}

func TestSearch_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testutil.NewFake())
	sub := s.Search("needle")
	defer sub.Close()

	if _, err := s.Create(ctx, "hay", "a NEEDLE here"); err != nil {
		t.Fatal(err)
	}
	if got := len(sub.Result().Notes); got != 1 {
		t.Errorf("len = %d right after Create, want 1", got)
	}
}

// TestStore_MatchesModel runs random create/save/remove sequences and checks
// the index, the backend and a live query against a simple ordered model.
func TestStore_MatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		fake := testutil.NewFake()
		s := New(fake, testutil.Logger())
		if err := s.Load(ctx); err != nil {
			rt.Fatalf("Load: %v", err)
		}
		query := rapid.StringMatching(`[a-c]{0,1}`).Draw(rt, "query")
		sub := s.Search(query)
		defer sub.Close()

		var order []string
		model := map[string]models.Note{}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			text := rapid.StringMatching(`[a-cA-C]{0,4}`)
			switch op := rapid.IntRange(0, 3).Draw(rt, "op"); {
			case op == 0 || len(order) == 0:
				n, err := s.Create(ctx, text.Draw(rt, "title"), text.Draw(rt, "content"))
				if err != nil {
					rt.Fatalf("Create: %v", err)
				}
				order = append(order, n.ID)
				model[n.ID] = n
			case op == 1:
				id := rapid.SampledFrom(order).Draw(rt, "id")
				n, err := s.Save(ctx, id, text.Draw(rt, "title"), text.Draw(rt, "content"))
				if err != nil {
					rt.Fatalf("Save: %v", err)
				}
				model[id] = n
			case op == 2:
				idx := rapid.IntRange(0, len(order)-1).Draw(rt, "idx")
				if err := s.Remove(ctx, order[idx]); err != nil {
					rt.Fatalf("Remove: %v", err)
				}
				delete(model, order[idx])
				order = append(order[:idx:idx], order[idx+1:]...)
			default:
				if err := s.Remove(ctx, "missing"); err != nil {
					rt.Fatalf("Remove missing: %v", err)
				}
			}
		}

		var want []models.Note
		for _, id := range order {
			want = append(want, model[id])
		}
		if got := s.Snapshot().Notes(); fmt.Sprint(got) != fmt.Sprint(want) {
			rt.Fatalf("index = %v, want %v", got, want)
		}
		if got := fake.Notes(); fmt.Sprint(got) != fmt.Sprint(want) {
			rt.Fatalf("backend = %v, want %v", got, want)
		}
		if got, wantQ := sub.Result().Notes, s.Snapshot().Filter(noteindex.NewQuery(query)); fmt.Sprint(got) != fmt.Sprint(wantQ) {
			rt.Fatalf("live query = %v, want %v", got, wantQ)
		}
	})
}
