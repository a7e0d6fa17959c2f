package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eduassist/internal/form"
	"eduassist/internal/models"
	"eduassist/internal/service/conversation"
	"eduassist/internal/service/extract"
	"eduassist/internal/storage"
)

type fakeExtractor struct {
	mu      sync.Mutex
	queue   []extractReturn
	calls   int
	inUse   int32
	overlap int32
}

type extractReturn struct {
	res *extract.Result
	err error
}

func (f *fakeExtractor) push(res *extract.Result, err error) {
	f.mu.Lock()
	f.queue = append(f.queue, extractReturn{res: res, err: err})
	f.mu.Unlock()
}

func (f *fakeExtractor) Extract(ctx context.Context, history []*models.Message, snapshot form.Snapshot, text string) (*extract.Result, error) {
	if atomic.AddInt32(&f.inUse, 1) > 1 {
		atomic.StoreInt32(&f.overlap, 1)
	}
	time.Sleep(5 * time.Millisecond)
	defer atomic.AddInt32(&f.inUse, -1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.queue) == 0 {
		return &extract.Result{AssistantText: "ok", Delta: form.Delta{}}, nil
	}
	ret := f.queue[0]
	f.queue = f.queue[1:]
	return ret.res, ret.err
}

func (f *fakeExtractor) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) > 0 && f.queue[0].err != nil {
		ret := f.queue[0]
		f.queue = f.queue[1:]
		return ret.err
	}
	return nil
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeExtractor, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store := conversation.NewService(db, nil)
	fake := &fakeExtractor{}
	eng := New(store, fake, form.DefaultSchema(), opts)
	t.Cleanup(func() {
		eng.Close()
		db.Close()
	})
	return eng, fake, db
}

func TestProcessTurnExtractsFullFormInOneTurn(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{})
	fake.push(&extract.Result{
		AssistantText: "Harika! Looking in Ankara between 20000 and 50000 TL with a library.",
		Delta: form.Delta{
			form.FieldProvince:        {Value: form.StringValue("Ankara"), Confidence: 0.95},
			form.FieldMinPrice:        {Value: form.NumberValue(20000)},
			form.FieldMaxPrice:        {Value: form.NumberValue(50000)},
			form.FieldPropertyFilters: {Value: form.MultiValue("has_library")},
		},
	}, nil)

	res, err := eng.ProcessTurn(context.Background(), "", 1, "Ankara'da, bütçem 20000-50000 TL, kütüphanesi olsun")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if res.ConversationID == "" {
		t.Fatalf("missing conversation id")
	}
	if res.Snapshot[form.FieldProvince].Value.Text != "Ankara" {
		t.Fatalf("province not extracted: %#v", res.Snapshot)
	}
	if res.Snapshot[form.FieldMinPrice].Value.Number != 20000 || res.Snapshot[form.FieldMaxPrice].Value.Number != 50000 {
		t.Fatalf("budget not extracted: %#v", res.Snapshot)
	}
	if set := res.Snapshot[form.FieldPropertyFilters].Value.Set; len(set) != 1 || set[0] != "has_library" {
		t.Fatalf("property filters not extracted: %v", set)
	}
	// province + both prices are the full required set, so one turn completes the form
	if !res.Complete {
		t.Fatalf("form should be complete")
	}
	if res.UserMessage.Seq != 1 || res.AssistantMessage.Seq != 2 {
		t.Fatalf("turn messages misordered: %d %d", res.UserMessage.Seq, res.AssistantMessage.Seq)
	}
}

func TestProcessTurnUnknownAndClosedConversations(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{})

	if _, err := eng.ProcessTurn(context.Background(), "no-such-id", 1, "hi"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	fake.push(&extract.Result{AssistantText: "hello", Delta: form.Delta{}}, nil)
	res, err := eng.ProcessTurn(context.Background(), "", 1, "hi")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if err := eng.Reset(context.Background(), res.ConversationID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := eng.ProcessTurn(context.Background(), res.ConversationID, 1, "again"); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
}

func TestBackendOutageDegradesWithoutLosingState(t *testing.T) {
	eng, fake, db := newTestEngine(t, Options{})
	ctx := context.Background()

	fake.push(&extract.Result{
		AssistantText: "Got it, Ankara.",
		Delta:         form.Delta{form.FieldProvince: {Value: form.StringValue("Ankara")}},
	}, nil)
	first, err := eng.ProcessTurn(ctx, "", 2, "Ankara")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}

	fake.push(nil, fmt.Errorf("%w: connection refused", extract.ErrBackendUnavailable))
	second, err := eng.ProcessTurn(ctx, first.ConversationID, 2, "bütçem 20000-50000")
	if err != nil {
		t.Fatalf("turn 2 must degrade, not fail: %v", err)
	}
	if !second.Degraded || second.Complete {
		t.Fatalf("expected degraded incomplete result: %#v", second)
	}
	if second.AssistantMessage != nil {
		t.Fatalf("degraded turn must not store an assistant message")
	}
	if second.Snapshot[form.FieldProvince].Value.Text != "Ankara" {
		t.Fatalf("snapshot must equal its post-turn-1 state: %#v", second.Snapshot)
	}

	conv, history, err := eng.GetHistory(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if conv.Status != models.StatusActive {
		t.Fatalf("conversation must stay ACTIVE through an outage")
	}
	// turn 1 user+assistant plus the recorded turn 2 user message
	if len(history) != 3 {
		t.Fatalf("expected 3 stored messages, got %d", len(history))
	}

	fake.push(&extract.Result{
		AssistantText: "Budget noted.",
		Delta: form.Delta{
			form.FieldMinPrice: {Value: form.NumberValue(20000)},
			form.FieldMaxPrice: {Value: form.NumberValue(50000)},
		},
	}, nil)
	third, err := eng.ProcessTurn(ctx, first.ConversationID, 2, "bütçem 20000-50000")
	if err != nil {
		t.Fatalf("turn 3 must resume: %v", err)
	}
	if !third.Complete {
		t.Fatalf("form should complete on resume: %#v", third.Snapshot)
	}
	_ = db
}

func TestValidatorConflictReportsClearedFields(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{})
	fake.push(&extract.Result{
		AssistantText: "That range looks inverted, let me check.",
		Delta: form.Delta{
			form.FieldMinPrice: {Value: form.NumberValue(50000)},
			form.FieldMaxPrice: {Value: form.NumberValue(20000)},
		},
	}, nil)

	res, err := eng.ProcessTurn(context.Background(), "", 4, "50000 ile 20000 arası")
	if err != nil {
		t.Fatalf("conflicting delta must not reject the turn: %v", err)
	}
	if len(res.Cleared) != 2 {
		t.Fatalf("expected both price fields reported cleared: %v", res.Cleared)
	}
	if _, ok := res.Snapshot[form.FieldMinPrice]; ok {
		t.Fatalf("conflicting field kept: %#v", res.Snapshot)
	}
}

func TestResetProducesFreshConversationID(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	fake.push(&extract.Result{AssistantText: "hi", Delta: form.Delta{}}, nil)
	first, err := eng.ProcessTurn(ctx, "", 6, "merhaba")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if err := eng.Reset(ctx, first.ConversationID); err != nil {
		t.Fatalf("reset: %v", err)
	}

	fake.push(&extract.Result{AssistantText: "hi again", Delta: form.Delta{}}, nil)
	fresh, err := eng.ProcessTurn(ctx, "", 6, "tekrar")
	if err != nil {
		t.Fatalf("fresh turn: %v", err)
	}
	if fresh.ConversationID == first.ConversationID {
		t.Fatalf("reset conversation id must never be revived")
	}

	if err := eng.Reset(ctx, "no-such-id"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestConcurrentTurnsOnOneConversationAreSerial(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	fake.push(&extract.Result{AssistantText: "start", Delta: form.Delta{}}, nil)
	first, err := eng.ProcessTurn(ctx, "", 8, "başla")
	if err != nil {
		t.Fatalf("bootstrap turn: %v", err)
	}

	const turns = 6
	for i := 0; i < turns; i++ {
		fake.push(&extract.Result{
			AssistantText: "tag noted",
			Delta: form.Delta{
				form.FieldPropertyFilters: {Value: form.MultiValue(fmt.Sprintf("tag_%d", i))},
			},
		}, nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := eng.ProcessTurn(ctx, first.ConversationID, 8, fmt.Sprintf("özellik %d", i)); err != nil {
				t.Errorf("turn %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&fake.overlap) != 0 {
		t.Fatalf("extraction calls overlapped on one conversation")
	}

	conv, history, err := eng.GetHistory(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if want := 2 + turns*2; len(history) != want {
		t.Fatalf("expected %d messages, got %d", want, len(history))
	}
	// every turn's union must survive; no read-modify-write race drops a tag
	if set := conv.Snapshot[form.FieldPropertyFilters].Value.Set; len(set) != turns {
		t.Fatalf("lost fold updates: %v", set)
	}
	for i, msg := range history {
		if msg.Seq != int64(i+1) {
			t.Fatalf("message order broken at %d: seq %d", i, msg.Seq)
		}
	}
}

func TestTurnTimeoutLeavesStateUntouched(t *testing.T) {
	eng, fake, db := newTestEngine(t, Options{TurnTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	fake.push(&extract.Result{AssistantText: "hi", Delta: form.Delta{}}, nil)
	first, err := eng.ProcessTurn(ctx, "", 10, "merhaba")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	// Hold the conversation lock so the next turn times out waiting.
	if err := eng.locks.acquire(ctx, first.ConversationID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = eng.ProcessTurn(ctx, first.ConversationID, 10, "ikinci")
	eng.locks.release(first.ConversationID)
	if !errors.Is(err, ErrTurnTimeout) {
		t.Fatalf("expected ErrTurnTimeout, got %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, first.ConversationID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("timed out turn mutated state: %d messages", count)
	}
}

func TestExportContainsOrderedHistoryAndStats(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	deltas := []form.Delta{
		{form.FieldProvince: {Value: form.StringValue("Ankara")}},
		{form.FieldMinPrice: {Value: form.NumberValue(20000)}},
		{form.FieldMaxPrice: {Value: form.NumberValue(50000)}},
	}
	var convID string
	for i, delta := range deltas {
		fake.push(&extract.Result{AssistantText: fmt.Sprintf("reply %d", i), Delta: delta}, nil)
		res, err := eng.ProcessTurn(ctx, convID, 11, fmt.Sprintf("turn %d", i))
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		convID = res.ConversationID
	}

	export, err := eng.GetExport(ctx, convID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(export.Messages) != len(deltas)*2 {
		t.Fatalf("export message count: %d", len(export.Messages))
	}
	for i, msg := range export.Messages {
		if msg.Seq != int64(i+1) {
			t.Fatalf("export order broken at %d", i)
		}
	}

	// final snapshot equals the fold of all deltas in order
	schema := form.DefaultSchema()
	want := form.Snapshot{}
	for i, delta := range deltas {
		var err error
		want, _, err = schema.Fold(want, delta, int64(i*2+2))
		if err != nil {
			t.Fatalf("fold: %v", err)
		}
	}
	for name, st := range want {
		got, ok := export.Conversation.Snapshot[name]
		if !ok || !reflect.DeepEqual(got.Value, st.Value) {
			t.Fatalf("exported snapshot diverges on %s: %#v vs %#v", name, got, st)
		}
	}
	if export.Stats.CompletionPercent != 100 || !export.Stats.Complete {
		t.Fatalf("stats mismatch: %#v", export.Stats)
	}
	if export.Stats.UserTurns != 3 || export.Stats.MessageCount != 6 {
		t.Fatalf("stats counts wrong: %#v", export.Stats)
	}
}

func TestMalformedReplyIsSurfacedAndFoldsNothing(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{})
	raw := "Sure! Let me look into dorms for you."
	fake.push(&extract.Result{AssistantText: raw, Delta: form.Delta{}, Malformed: true}, nil)

	res, err := eng.ProcessTurn(context.Background(), "", 12, "yurt arıyorum")
	if err != nil {
		t.Fatalf("malformed reply must not fail the turn: %v", err)
	}
	if !res.Malformed {
		t.Fatalf("malformed flag not carried to the result")
	}
	if res.AssistantText != raw {
		t.Fatalf("raw text must be served: %q", res.AssistantText)
	}
	if len(res.Snapshot) != 0 {
		t.Fatalf("malformed reply must fold nothing: %#v", res.Snapshot)
	}

	_, history, err := eng.GetHistory(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("both turn messages must still be recorded, got %d", len(history))
	}
}

func TestResetWaitsForInFlightTurn(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	fake.push(&extract.Result{AssistantText: "hi", Delta: form.Delta{}}, nil)
	first, err := eng.ProcessTurn(ctx, "", 13, "merhaba")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	// Simulate a turn holding the conversation lock.
	if err := eng.locks.acquire(ctx, first.ConversationID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- eng.Reset(ctx, first.ConversationID)
	}()
	select {
	case <-done:
		t.Fatalf("reset must wait for the in-flight turn")
	case <-time.After(30 * time.Millisecond):
	}

	eng.locks.release(first.ConversationID)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("reset after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("reset never completed")
	}

	conv, _, err := eng.GetHistory(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if conv.Status != models.StatusReset {
		t.Fatalf("status = %s, want RESET", conv.Status)
	}
}

func TestResetTimesOutAgainstHeldLock(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{TurnTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	fake.push(&extract.Result{AssistantText: "hi", Delta: form.Delta{}}, nil)
	first, err := eng.ProcessTurn(ctx, "", 14, "merhaba")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if err := eng.locks.acquire(ctx, first.ConversationID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer eng.locks.release(first.ConversationID)

	if err := eng.Reset(ctx, first.ConversationID); !errors.Is(err, ErrTurnTimeout) {
		t.Fatalf("expected ErrTurnTimeout, got %v", err)
	}

	conv, err := eng.store.Get(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Status != models.StatusActive {
		t.Fatalf("timed out reset must not change status: %s", conv.Status)
	}
}

func TestCheckHealthIsFailSafe(t *testing.T) {
	eng, fake, _ := newTestEngine(t, Options{HealthTimeout: time.Second})

	healthy, msg := eng.CheckHealth(context.Background())
	if !healthy || msg == "" {
		t.Fatalf("expected healthy report, got %v %q", healthy, msg)
	}

	fake.push(nil, fmt.Errorf("%w: dial timeout", extract.ErrBackendUnavailable))
	healthy, msg = eng.CheckHealth(context.Background())
	if healthy {
		t.Fatalf("expected unhealthy report")
	}
	if msg == "" {
		t.Fatalf("unhealthy report must carry a message")
	}
}
