// Package agentrun implements the agent-side handler for requests the
// comet routes over the bridge: running a dispatched command, controlling
// an in-flight one, and serving the filesystem operations a console-side
// SSH/SFTP proxy needs. It is the RequestHandler plugged into
// bridge.Dial/Start on the agent binary — the bridge core itself knows
// nothing about shells, processes, or files.
package agentrun

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/jiawesoft/jiascheduler/internal/bridgeproto"
)

// Executor runs DispatchJob commands locally and answers RuntimeAction and
// Sftp* requests against the local filesystem.
type Executor struct {
	log       *slog.Logger
	outputDir string

	mu      sync.Mutex
	running map[string]context.CancelFunc // eid -> cancel
}

// New builds an Executor that writes job output under outputDir (created
// if missing).
func New(log *slog.Logger, outputDir string) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		log:       log,
		outputDir: outputDir,
		running:   make(map[string]context.CancelFunc),
	}
}

// Handle is the bridge.RequestHandler entrypoint: it dispatches on the
// request's tag and never panics on an unknown one, since Raw/future kinds
// must fail soft per the protocol's forward-compatibility contract.
func (e *Executor) Handle(ctx context.Context, req bridgeproto.ReqKind) bridgeproto.RespKind {
	switch req.Tag {
	case bridgeproto.KindDispatchJob:
		return e.dispatchJob(ctx, req)
	case bridgeproto.KindRuntimeAction:
		return e.runtimeAction(req)
	case bridgeproto.KindSftpReadDir:
		return e.sftpReadDir(req)
	case bridgeproto.KindSftpUpload:
		return e.sftpUpload(req)
	case bridgeproto.KindSftpDownload:
		return e.sftpDownload(req)
	case bridgeproto.KindSftpRemove:
		return e.sftpRemove(req)
	case bridgeproto.KindHeartbeat:
		return mustOk(bridgeproto.HeartbeatParams{})
	case bridgeproto.KindPullJob:
		// The agent dials out; it never has queued work pushed by pulling —
		// comet sends DispatchJob directly. An older peer's PullJob probe gets
		// an error response, which fails that one request without breaking
		// the session.
		return bridgeproto.ErrResp("agent does not serve PullJob")
	default:
		e.log.Warn("agentrun.unknown_request", "tag", req.Tag)
		return bridgeproto.ErrResp("unsupported request kind: " + req.Tag)
	}
}

func mustOk(v any) bridgeproto.RespKind {
	resp, err := bridgeproto.OkResp(v)
	if err != nil {
		return bridgeproto.ErrResp(err.Error())
	}
	return resp
}

// dispatchJob runs params.Command under a shell, bounded by
// params.TimeoutSec, capturing combined output. Concurrent jobs are
// tracked by Eid so a later RuntimeAction can cancel them.
func (e *Executor) dispatchJob(ctx context.Context, req bridgeproto.ReqKind) bridgeproto.RespKind {
	var params bridgeproto.DispatchJobParams
	if err := req.Decode(&params); err != nil {
		return bridgeproto.ErrResp("invalid DispatchJob payload: " + err.Error())
	}
	if params.Command == "" {
		return bridgeproto.ErrResp("empty command")
	}

	timeout := 5 * time.Minute
	if params.TimeoutSec > 0 {
		timeout = time.Duration(params.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	e.mu.Lock()
	e.running[params.Eid] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, params.Eid)
		e.mu.Unlock()
		cancel()
	}()

	if params.File != nil {
		if err := e.materializeFile(params); err != nil {
			return bridgeproto.ErrResp("writing job file: " + err.Error())
		}
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", params.Command)
	// A child of the shell can outlive it and keep the output pipe open;
	// WaitDelay bounds how long Run waits for that pipe after cancellation.
	cmd.WaitDelay = time.Second
	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}
	if len(params.Env) > 0 {
		cmd.Env = append(os.Environ(), params.Env...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := jobResult{
		Eid:        params.Eid,
		ExitCode:   exitCodeOf(runErr),
		DurationMs: elapsed.Milliseconds(),
		Output:     out.String(),
	}

	if err := e.persistOutput(params.Eid, out.Bytes()); err != nil {
		e.log.Warn("agentrun.persist_output_failed", "eid", params.Eid, "err", err)
	}

	if runErr != nil {
		result.Error = runErr.Error()
	}
	return mustOk(result)
}

type jobResult struct {
	Eid        string `json:"eid"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

func (e *Executor) materializeFile(params bridgeproto.DispatchJobParams) error {
	if params.File.Name == "" {
		return fmt.Errorf("empty file name")
	}
	dir := params.WorkDir
	if dir == "" {
		dir = e.outputDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, filepath.Base(params.File.Name)), params.File.Content, 0o644)
}

func (e *Executor) persistOutput(eid string, data []byte) error {
	if e.outputDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(e.outputDir, eid+".log")
	return os.WriteFile(path, data, 0o644)
}

// runtimeAction cancels (or signals) an in-flight DispatchJob by Eid.
func (e *Executor) runtimeAction(req bridgeproto.ReqKind) bridgeproto.RespKind {
	var params bridgeproto.RuntimeActionParams
	if err := req.Decode(&params); err != nil {
		return bridgeproto.ErrResp("invalid RuntimeAction payload: " + err.Error())
	}

	e.mu.Lock()
	cancel, ok := e.running[params.Eid]
	e.mu.Unlock()
	if !ok {
		return bridgeproto.ErrResp("no running job for eid " + params.Eid)
	}

	switch params.Action {
	case "cancel", "kill":
		cancel()
		return mustOk(map[string]string{"eid": params.Eid, "action": params.Action})
	default:
		return bridgeproto.ErrResp("unsupported action: " + params.Action)
	}
}
