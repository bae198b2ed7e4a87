package querycache

import (
	"errors"
	"testing"

	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/noteindex"
)

func loaded(notes ...models.Note) (*Cache, *noteindex.Snapshot) {
	c := New()
	snap := noteindex.FromNotes(notes)
	c.Notify(snap, models.Change{Kind: models.ChangeReloaded, Notes: notes})
	return c, snap
}

func titles(r Result) []string {
	out := make([]string, len(r.Notes))
	for i, n := range r.Notes {
		out[i] = n.Title
	}
	return out
}

func TestSubscribe_LoadingUntilFirstSnapshot(t *testing.T) {
	c := New()
	sub := c.Subscribe("")
	defer sub.Close()

	if got := sub.Result().Status; got != StatusLoading {
		t.Fatalf("status = %s, want loading", got)
	}

	notes := []models.Note{{ID: "1", Title: "a"}}
	c.Notify(noteindex.FromNotes(notes), models.Change{Kind: models.ChangeReloaded, Notes: notes})

	r := sub.Result()
	if r.Status != StatusReady || len(r.Notes) != 1 {
		t.Errorf("result = %+v", r)
	}
}

func TestSubscribe_ComputesSynchronously(t *testing.T) {
	c, _ := loaded(
		models.Note{ID: "1", Title: "Apple"},
		models.Note{ID: "2", Title: "Banana"},
		models.Note{ID: "3", Title: "apricot"},
	)
	sub := c.Subscribe("ap")
	defer sub.Close()

	got := titles(sub.Result())
	if len(got) != 2 || got[0] != "Apple" || got[1] != "apricot" {
		t.Errorf("titles = %v", got)
	}
}

func TestSetQuery_Refilters(t *testing.T) {
	c, _ := loaded(
		models.Note{ID: "1", Title: "one"},
		models.Note{ID: "2", Title: "two"},
	)
	sub := c.Subscribe("")
	defer sub.Close()
	<-sub.Updates()

	sub.SetQuery("tw")
	if got := titles(sub.Result()); len(got) != 1 || got[0] != "two" {
		t.Errorf("titles = %v", got)
	}
	if sub.Query() != "tw" {
		t.Errorf("Query() = %q", sub.Query())
	}
	select {
	case <-sub.Updates():
	default:
		t.Error("SetQuery did not signal")
	}
}

func TestNotify_SkipsUnaffected(t *testing.T) {
	c, snap := loaded(models.Note{ID: "1", Title: "milk"})
	sub := c.Subscribe("milk")
	defer sub.Close()
	v := sub.Result().Version

	// Insert that does not match.
	n2 := models.Note{ID: "2", Title: "bread"}
	snap = snap.Apply(models.Change{Kind: models.ChangeCreated, Note: n2})
	c.Notify(snap, models.Change{Kind: models.ChangeCreated, Note: n2})
	// Delete of an id not shown.
	snap = snap.Apply(models.Change{Kind: models.ChangeDeleted, Note: n2})
	c.Notify(snap, models.Change{Kind: models.ChangeDeleted, Note: n2})

	if got := sub.Result().Version; got != v {
		t.Errorf("version = %d, want %d (no recompute)", got, v)
	}

	// Update that moves a shown note out of the result.
	n1 := models.Note{ID: "1", Title: "water"}
	snap = snap.Apply(models.Change{Kind: models.ChangeUpdated, Note: n1})
	c.Notify(snap, models.Change{Kind: models.ChangeUpdated, Note: n1})

	r := sub.Result()
	if r.Version == v || len(r.Notes) != 0 {
		t.Errorf("result = %+v, want empty after update", r)
	}
}

func TestNotify_ClearedIsOneStep(t *testing.T) {
	c, _ := loaded(
		models.Note{ID: "1"}, models.Note{ID: "2"}, models.Note{ID: "3"},
	)
	sub := c.Subscribe("")
	defer sub.Close()
	before := sub.Result()
	if len(before.Notes) != 3 {
		t.Fatalf("len = %d, want 3", len(before.Notes))
	}

	c.Notify(noteindex.Empty(), models.Change{Kind: models.ChangeCleared})

	after := sub.Result()
	if len(after.Notes) != 0 || after.Version != before.Version+1 {
		t.Errorf("after = %+v, want empty at version %d", after, before.Version+1)
	}
}

func TestFail_StickyUntilReload(t *testing.T) {
	c := New()
	sub := c.Subscribe("")
	defer sub.Close()

	boom := errors.New("disk gone")
	c.Fail(boom)
	r := sub.Result()
	if r.Status != StatusError || !errors.Is(r.Err, boom) || len(r.Notes) != 0 {
		t.Fatalf("result = %+v", r)
	}

	// A mutation during the error state updates notes but keeps the status.
	n := models.Note{ID: "1", Title: "x"}
	snap := noteindex.Empty().Apply(models.Change{Kind: models.ChangeCreated, Note: n})
	c.Notify(snap, models.Change{Kind: models.ChangeCreated, Note: n})
	r = sub.Result()
	if r.Status != StatusError || len(r.Notes) != 1 {
		t.Fatalf("result = %+v, want error with 1 note", r)
	}

	c.Notify(snap, models.Change{Kind: models.ChangeReloaded, Notes: []models.Note{n}})
	r = sub.Result()
	if r.Status != StatusReady || r.Err != nil {
		t.Errorf("result = %+v, want ready", r)
	}
	if c.Err() != nil {
		t.Errorf("cache err = %v", c.Err())
	}
}

func TestUpdates_Coalesce(t *testing.T) {
	c, snap := loaded()
	sub := c.Subscribe("")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		n := models.Note{ID: string(rune('a' + i))}
		snap = snap.Apply(models.Change{Kind: models.ChangeCreated, Note: n})
		c.Notify(snap, models.Change{Kind: models.ChangeCreated, Note: n})
	}

	<-sub.Updates()
	select {
	case <-sub.Updates():
		t.Error("expected a single coalesced signal")
	default:
	}
	if got := len(sub.Result().Notes); got != 10 {
		t.Errorf("len = %d, want 10", got)
	}
}

func TestClose(t *testing.T) {
	c, _ := loaded()
	sub := c.Subscribe("")
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	sub.Close()
	sub.Close()
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}

	for range sub.Updates() {
	}

	// Notifying after close must not panic.
	c.Notify(noteindex.Empty(), models.Change{Kind: models.ChangeCleared})
	sub.SetQuery("x")
}
