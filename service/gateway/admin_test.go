package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"PSync/module/updatelog"
	"PSync/service/dispatcher"
	"PSync/service/storage"
)

func newAdminTestServer(t *testing.T) (*httptest.Server, *updatelog.MemStore, []byte) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	secret := []byte("admin-test-secret")

	store := updatelog.NewMemStore()
	disp := dispatcher.NewDispatcher(store, nil, "gw-admin")
	presence := storage.NewManager(storage.NewMemPresence(), time.Minute, nil)
	srv := NewServer("gw-admin", NewConnManager("gw-admin"), disp, store, presence, JWTVerifier(secret))

	r := gin.New()
	srv.Routes(r)
	srv.AdminRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, store, secret
}

func postCompact(t *testing.T, url, token string, req CompactRequest) *http.Response {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequest(http.MethodPost, url+"/admin/compact", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestAdminCompactRequiresToken(t *testing.T) {
	ts, _, _ := newAdminTestServer(t)
	resp := postCompact(t, ts.URL, "", CompactRequest{Bucket: 3, EntityID: 1, ThroughSeq: 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminCompactTrimsHistory(t *testing.T) {
	ts, store, secret := newAdminTestServer(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, updatelog.BucketChat, 9, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	token, err := IssueToken(secret, 1)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	resp := postCompact(t, ts.URL, token, CompactRequest{Bucket: int32(updatelog.BucketChat), EntityID: 9, ThroughSeq: 3})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if _, err := store.RangeAfter(ctx, updatelog.BucketChat, 9, 1, 0); !errors.Is(err, updatelog.ErrResyncRequired) {
		t.Fatalf("expected resync after compact, got %v", err)
	}
	rows, err := store.RangeAfter(ctx, updatelog.BucketChat, 9, 3, 0)
	if err != nil {
		t.Fatalf("RangeAfter: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("retained rows = %d, want 2", len(rows))
	}
}

func TestAdminCompactRejectsBadBucket(t *testing.T) {
	ts, _, secret := newAdminTestServer(t)
	token, err := IssueToken(secret, 1)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	resp := postCompact(t, ts.URL, token, CompactRequest{Bucket: 99, EntityID: 1, ThroughSeq: 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
