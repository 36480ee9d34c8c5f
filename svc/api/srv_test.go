package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"clipvault/cfg"
	"clipvault/metrics"
	"clipvault/svc/cache"
	"clipvault/svc/codec"
	"clipvault/svc/db"
	"clipvault/svc/retain"
	"clipvault/svc/svc"
	"clipvault/svc/watch"
)

type stillSource struct {
	snap watch.Snapshot
}

func (s *stillSource) Read(context.Context) (watch.Snapshot, error) {
	return s.snap, nil
}

func newTestServer(t *testing.T) (*Server, *svc.History) {
	t.Helper()
	c := &cfg.Cfg{
		Port:           "0",
		MaxRecords:     10,
		RecordOrder:    "create_time",
		LRUCacheSize:   16,
		ContextTimeout: 5 * time.Second,
		RateLimitRPM:   6000,
		RateLimitBurst: 100,
	}
	cdc := codec.New("")
	store, err := db.New(filepath.Join(t.TempDir(), "api.db"), cdc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	lru, err := cache.NewDecoded(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	src := &stillSource{snap: watch.Snapshot{Text: "copied text", App: watch.AppInfo{Name: "editor"}}}
	w := watch.New(src, time.Nanosecond, 100)
	h := svc.NewHistory(store, cdc, lru, w, retain.New(store, cfg.RetentionCfg{}, time.Hour), nil, c)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Dispose)
	return NewServer(c, h, store), h
}

func captureOne(t *testing.T, srv *Server, h *svc.History) string {
	t.Helper()
	h.NotifyClipboard()
	deadline := time.After(3 * time.Second)
	for {
		recs, err := h.Query(context.Background(), "")
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) > 0 {
			return recs[0].HashID
		}
		select {
		case <-deadline:
			t.Fatal("capture never arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestReady(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
	var resp ReadyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Ready || resp.Database != "up" {
		t.Fatalf("ready response = %+v", resp)
	}
}

func TestRequestDurationObserved(t *testing.T) {
	srv, _ := newTestServer(t)
	metrics.RequestDuration.Reset()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d", rec.Code)
	}
	if n := testutil.CollectAndCount(metrics.RequestDuration); n == 0 {
		t.Fatal("request duration histogram never observed")
	}
}

func TestQueryRecords(t *testing.T) {
	srv, h := newTestServer(t)
	captureOne(t, srv, h)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records?q=copied", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp []RecordResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 || resp[0].Text != "copied text" || resp[0].Type != "text" {
		t.Fatalf("query response = %+v", resp)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records?q=nomatch", nil))
	var empty []RecordResp
	if err := json.Unmarshal(rec.Body.Bytes(), &empty); err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("filtered query returned %+v", empty)
	}
}

func TestPinAndDelete(t *testing.T) {
	srv, h := newTestServer(t)
	id := captureOne(t, srv, h)

	body := bytes.NewBufferString(`{"pinned":true}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/records/"+id+"/pin", body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("pin status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/records/"+id, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/records/"+id, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestPinUnknownRecord(t *testing.T) {
	srv, _ := newTestServer(t)
	body := bytes.NewBufferString(`{"pinned":true}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/records/nope/pin", body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pin unknown status = %d, want 404", rec.Code)
	}
}

func TestPinRejectsBadBody(t *testing.T) {
	srv, h := newTestServer(t)
	id := captureOne(t, srv, h)
	body := bytes.NewBufferString(`{"pinned":true,"extra":1}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/records/"+id+"/pin", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d, want 400", rec.Code)
	}
}

func TestDeleteAll(t *testing.T) {
	srv, h := newTestServer(t)
	captureOne(t, srv, h)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/records", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete all status = %d", rec.Code)
	}
	recs, err := h.Query(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("records left after delete all: %+v", recs)
	}
}
