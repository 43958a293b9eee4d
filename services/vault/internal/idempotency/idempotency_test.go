package idempotency

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	rec    Record
	found  bool
	getErr error
	saveN  int
}

func (f *fakeStore) GetIdempotencyRecord(ctx context.Context, principal, key, endpoint string) (Record, bool, error) {
	if f.getErr != nil {
		return Record{}, false, f.getErr
	}
	return f.rec, f.found, nil
}

func (f *fakeStore) SaveIdempotencyRecord(ctx context.Context, principal, key, endpoint string, rec Record) error {
	f.rec = rec
	f.found = true
	f.saveN++
	return nil
}

func TestReplayNoKeyNoop(t *testing.T) {
	st := &fakeStore{found: true}
	_, replayed, err := Replay(context.Background(), st, ScopeFromHeader("sgn_1", "  "), "POST /sign")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if replayed {
		t.Fatalf("expected replayed=false without key")
	}
}

func TestSaveThenReplayReturnsSamePayload(t *testing.T) {
	st := &fakeStore{}
	scope := ScopeFromHeader("sgn_1", "k1")
	rec := Record{Status: 200, Body: map[string]any{"request_id": "req_1", "status": "partially_signed"}}

	if err := Save(context.Background(), st, scope, "POST /sign", rec); err != nil {
		t.Fatalf("save err: %v", err)
	}
	if st.saveN != 1 {
		t.Fatalf("expected one save, got %d", st.saveN)
	}
	got, replayed, err := Replay(context.Background(), st, scope, "POST /sign")
	if err != nil || !replayed {
		t.Fatalf("replay: replayed=%v err=%v", replayed, err)
	}
	if got.Status != 200 || got.Body["status"] != "partially_signed" {
		t.Fatalf("unexpected replay: %+v", got)
	}
}

func TestSaveSkipsServerErrors(t *testing.T) {
	st := &fakeStore{}
	if err := Save(context.Background(), st, ScopeFromHeader("p", "k"), "POST /sign", Record{Status: 502}); err != nil {
		t.Fatalf("save err: %v", err)
	}
	if st.saveN != 0 {
		t.Fatalf("server error response must not be stored")
	}
}

func TestReplayStoreError(t *testing.T) {
	st := &fakeStore{getErr: errors.New("db down")}
	_, replayed, err := Replay(context.Background(), st, ScopeFromHeader("p", "k1"), "POST /sign")
	if replayed || err == nil {
		t.Fatalf("expected error and no replay, got replayed=%v err=%v", replayed, err)
	}
}
