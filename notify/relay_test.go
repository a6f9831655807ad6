package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWriteEnqueuesOutboxRow(t *testing.T) {
	ex := &recordingExecer{}
	msg := Message{UserID: "user-1", Type: TypeMediatorAssigned, Text: "assigned", DisputeID: "d-1"}
	if err := Write(context.Background(), ex, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(ex.calls) != 1 {
		t.Fatalf("expected one exec, got %d", len(ex.calls))
	}
	call := ex.calls[0]
	if !strings.Contains(call.sql, "INSERT INTO outbox") {
		t.Fatalf("unexpected sql %q", call.sql)
	}
	if call.args[0] != "notify.mediator_assigned" {
		t.Fatalf("unexpected topic %v", call.args[0])
	}
	var decoded Message
	if err := json.Unmarshal(call.args[1].([]byte), &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded != msg {
		t.Fatalf("payload mismatch: %+v", decoded)
	}

	if err := Write(context.Background(), ex, Message{Type: TypeDisputeFiled}); err == nil {
		t.Fatal("expected error for message without recipient")
	}
}

func TestRelayDeliversAndMarks(t *testing.T) {
	store := &fakeStore{entries: []Entry{
		entry(t, 1, Message{UserID: "payer", Type: TypeDisputeResolved, Text: "resolved"}),
		entry(t, 2, Message{UserID: "receiver", Type: TypeDisputeResolved, Text: "resolved"}),
	}}
	sink := &fakeSink{}
	pool := &fakePool{}
	relay := NewRelay(pool, store, sink, RelayConfig{BatchSize: 10, MaxAttempts: 3}, nil, nil)

	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if len(sink.sent) != 2 || sink.sent[0] != "payer" || sink.sent[1] != "receiver" {
		t.Fatalf("unexpected deliveries %v", sink.sent)
	}
	if len(store.processed) != 2 {
		t.Fatalf("expected both rows marked processed, got %v", store.processed)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if store.prefix != TopicPrefix {
		t.Fatalf("expected claim on %q, got %q", TopicPrefix, store.prefix)
	}
}

func TestRelayRecordsFailuresWithoutAbortingBatch(t *testing.T) {
	store := &fakeStore{entries: []Entry{
		entry(t, 1, Message{UserID: "flaky", Type: TypeDisputeResolved, Text: "x"}),
		{ID: 2, Topic: "notify.dispute_resolved", Payload: []byte(`{not json`)},
		entry(t, 3, Message{UserID: "ok", Type: TypeDisputeResolved, Text: "y"}),
	}}
	sink := &fakeSink{fail: map[string]error{"flaky": errors.New("sink down")}}
	pool := &fakePool{}
	relay := NewRelay(pool, store, sink, RelayConfig{BatchSize: 10, MaxAttempts: 3}, nil, nil)

	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}
	if got := store.failed[1]; got != 3 {
		t.Fatalf("expected sink failure recorded with max attempts 3, got %d", got)
	}
	if got, ok := store.failed[2]; !ok || got != 0 {
		t.Fatalf("expected malformed payload dead-lettered immediately, got %d (%v)", got, ok)
	}
	if !pool.tx.committed {
		t.Fatal("expected failures to be committed")
	}
}

func TestRelayStartStop(t *testing.T) {
	store := &fakeStore{entries: []Entry{entry(t, 1, Message{UserID: "u", Type: TypeDisputeFiled, Text: "x"})}}
	sink := &fakeSink{}
	relay := NewRelay(&fakePool{}, store, sink, RelayConfig{PollInterval: time.Millisecond, BatchSize: 5}, nil, nil)

	relay.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	relay.Stop()
	if sink.count() != 1 {
		t.Fatalf("expected one delivery, got %d", sink.count())
	}
}

func entry(t *testing.T, id int64, m Message) Entry {
	t.Helper()
	body, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Entry{ID: id, Topic: Topic(m.Type), Payload: body}
}

type execCall struct {
	sql  string
	args []any
}

type recordingExecer struct {
	calls []execCall
}

func (r *recordingExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.calls = append(r.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

type fakeStore struct {
	entries   []Entry
	prefix    string
	processed []int64
	failed    map[int64]int
}

func (f *fakeStore) ClaimPending(_ context.Context, _ pgx.Tx, prefix string, limit int) ([]Entry, error) {
	f.prefix = prefix
	out := f.entries
	if len(out) > limit {
		out = out[:limit]
	}
	f.entries = f.entries[len(out):]
	return out, nil
}

func (f *fakeStore) MarkProcessed(_ context.Context, _ pgx.Tx, id int64) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, _ pgx.Tx, id int64, _ string, maxAttempts int) (bool, error) {
	if f.failed == nil {
		f.failed = make(map[int64]int)
	}
	f.failed[id] = maxAttempts
	return maxAttempts <= 1, nil
}

type fakeSink struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func (f *fakeSink) Enqueue(_ context.Context, userID, _ string, _ Type) error {
	if err := f.fail[userID]; err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
