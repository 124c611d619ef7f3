package agentrun

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jiawesoft/jiascheduler/internal/bridgeproto"
)

func TestDispatchJobRunsCommandAndCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	e := New(nil, dir)

	req := bridgeproto.DispatchJob(bridgeproto.DispatchJobParams{
		Eid:        "job-1",
		Command:    "echo hello",
		TimeoutSec: 5,
	})

	resp := e.Handle(context.Background(), req)
	if resp.Err != nil {
		t.Fatalf("unexpected error response: %s", *resp.Err)
	}

	var result jobResult
	if err := json.Unmarshal(*resp.Ok, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Output == "" {
		t.Fatalf("expected non-empty output")
	}

	if _, err := os.Stat(filepath.Join(dir, "job-1.log")); err != nil {
		t.Fatalf("expected output log file: %v", err)
	}
}

func TestDispatchJobNonZeroExit(t *testing.T) {
	e := New(nil, t.TempDir())
	req := bridgeproto.DispatchJob(bridgeproto.DispatchJobParams{
		Eid:        "job-2",
		Command:    "exit 7",
		TimeoutSec: 5,
	})

	resp := e.Handle(context.Background(), req)
	if resp.Err != nil {
		t.Fatalf("unexpected error response: %s", *resp.Err)
	}
	var result jobResult
	if err := json.Unmarshal(*resp.Ok, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", result.ExitCode)
	}
}

func TestRuntimeActionCancelsRunningJob(t *testing.T) {
	e := New(nil, t.TempDir())

	done := make(chan bridgeproto.RespKind, 1)
	go func() {
		req := bridgeproto.DispatchJob(bridgeproto.DispatchJobParams{
			Eid:     "job-3",
			Command: "sleep 30",
		})
		done <- e.Handle(context.Background(), req)
	}()

	// Give dispatchJob a moment to register itself in e.running.
	time.Sleep(50 * time.Millisecond)

	cancelReq := bridgeproto.RuntimeAction(bridgeproto.RuntimeActionParams{Eid: "job-3", Action: "cancel"})
	cancelResp := e.Handle(context.Background(), cancelReq)
	if cancelResp.Err != nil {
		t.Fatalf("cancel failed: %s", *cancelResp.Err)
	}

	select {
	case resp := <-done:
		if resp.Err != nil {
			t.Fatalf("unexpected error response: %s", *resp.Err)
		}
		var result jobResult
		if err := json.Unmarshal(*resp.Ok, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if result.ExitCode == 0 {
			t.Fatalf("expected non-zero exit code after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch job did not observe cancellation")
	}
}

func TestRuntimeActionUnknownEid(t *testing.T) {
	e := New(nil, t.TempDir())
	req := bridgeproto.RuntimeAction(bridgeproto.RuntimeActionParams{Eid: "missing", Action: "cancel"})
	resp := e.Handle(context.Background(), req)
	if resp.Err == nil {
		t.Fatal("expected error for unknown eid")
	}
}

func TestUnknownRequestKindFailsSoft(t *testing.T) {
	e := New(nil, t.TempDir())
	resp := e.Handle(context.Background(), bridgeproto.RawReq(json.RawMessage(`{}`)))
	if resp.Err == nil {
		t.Fatal("expected error response for Raw kind")
	}
}

func TestSftpRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := New(nil, dir)
	path := filepath.Join(dir, "nested", "file.txt")

	uploadReq := bridgeproto.SftpUpload(bridgeproto.SftpUploadParams{Path: path, Content: []byte("hi")})
	if resp := e.Handle(context.Background(), uploadReq); resp.Err != nil {
		t.Fatalf("upload failed: %s", *resp.Err)
	}

	listReq := bridgeproto.SftpReadDir(bridgeproto.SftpReadDirParams{Dir: filepath.Dir(path)})
	listResp := e.Handle(context.Background(), listReq)
	if listResp.Err != nil {
		t.Fatalf("readdir failed: %s", *listResp.Err)
	}
	var entries []dirEntry
	if err := json.Unmarshal(*listResp.Ok, &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "file.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	removeReq := bridgeproto.SftpRemove(bridgeproto.SftpRemoveParams{Path: path})
	if resp := e.Handle(context.Background(), removeReq); resp.Err != nil {
		t.Fatalf("remove failed: %s", *resp.Err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}
}
