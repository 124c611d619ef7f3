package cometclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendMsgDecodesSuccessPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/send" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["ip"] != "10.0.0.1" || body["mac"] != "aa:bb" || body["kind"] != "DispatchJob" {
			t.Fatalf("unexpected body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"exit_code":0}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	raw, err := c.SendMsg(context.Background(), "10.0.0.1", "aa:bb", "DispatchJob", map[string]string{"command": "echo hi"})
	if err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded["exit_code"] != float64(0) {
		t.Fatalf("unexpected decoded response: %+v", decoded)
	}
}

func TestSendMsgMapsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no session for key", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	_, err := c.SendMsg(context.Background(), "10.0.0.1", "aa:bb", "DispatchJob", map[string]string{})
	if err == nil {
		t.Fatal("expected error")
	}
	var remoteErr *RemoteError
	if !asRemoteErr(err, &remoteErr) {
		t.Fatalf("expected *RemoteError, got %T: %v", err, err)
	}
	if remoteErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", remoteErr.StatusCode)
	}
}

func asRemoteErr(err error, target **RemoteError) bool {
	re, ok := err.(*RemoteError)
	if !ok {
		return false
	}
	*target = re
	return true
}
