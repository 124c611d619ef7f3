package bridgeproto

import (
	"encoding/json"
	"fmt"
)

// Request kind tags. These spellings are part of the wire contract — do not
// rename without a protocol version bump on both sides of the bridge.
const (
	KindPullJob       = "PullJob"
	KindDispatchJob   = "DispatchJob"
	KindRuntimeAction = "RuntimeAction"
	KindSftpReadDir   = "SftpReadDir"
	KindSftpUpload    = "SftpUpload"
	KindSftpDownload  = "SftpDownload"
	KindSftpRemove    = "SftpRemove"
	KindHeartbeat     = "Heartbeat"
	KindRaw           = "Raw"
)

// ReqKind is the closed set of request kinds an agent can receive, plus a
// Raw escape hatch for forward compatibility with peers running a newer
// protocol revision.
type ReqKind struct {
	Tag     string
	Payload json.RawMessage
}

// PullJobParams requests any job currently queued for the agent to run.
type PullJobParams struct {
	// AgentSeq lets the agent report the last sequence it processed, so the
	// comet can skip jobs it already knows were picked up.
	AgentSeq int64 `json:"agent_seq,omitempty"`
}

// FilePayload carries an optional script bundle alongside a dispatch.
type FilePayload struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// DispatchJobParams asks the agent to execute a command.
type DispatchJobParams struct {
	Eid        string       `json:"eid"`
	Command    string       `json:"command"`
	TimeoutSec uint32       `json:"timeout_sec"`
	WorkDir    string       `json:"work_dir,omitempty"`
	Env        []string     `json:"env,omitempty"`
	File       *FilePayload `json:"file,omitempty"`
}

// RuntimeActionParams controls an already-dispatched job (cancel, kill, ...).
type RuntimeActionParams struct {
	Eid    string `json:"eid"`
	Action string `json:"action"`
}

// SftpReadDirParams lists a directory on the agent's host.
type SftpReadDirParams struct {
	Dir string `json:"dir"`
}

// SftpUploadParams writes a file to the agent's host.
type SftpUploadParams struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

// SftpDownloadParams reads a file from the agent's host.
type SftpDownloadParams struct {
	Path string `json:"path"`
}

// SftpRemoveParams deletes a file or directory on the agent's host.
type SftpRemoveParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// HeartbeatParams is an (intentionally empty) liveness ping.
type HeartbeatParams struct{}

// NewReq builds a ReqKind for any of the well-known variants.
func NewReq(tag string, payload any) (ReqKind, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return ReqKind{}, err
	}
	return ReqKind{Tag: tag, Payload: b}, nil
}

// PullJob, DispatchJob, ... are convenience constructors mirroring the
// closed set of request kinds.
func PullJob(p PullJobParams) ReqKind        { return must(NewReq(KindPullJob, p)) }
func DispatchJob(p DispatchJobParams) ReqKind { return must(NewReq(KindDispatchJob, p)) }
func RuntimeAction(p RuntimeActionParams) ReqKind {
	return must(NewReq(KindRuntimeAction, p))
}
func SftpReadDir(p SftpReadDirParams) ReqKind   { return must(NewReq(KindSftpReadDir, p)) }
func SftpUpload(p SftpUploadParams) ReqKind     { return must(NewReq(KindSftpUpload, p)) }
func SftpDownload(p SftpDownloadParams) ReqKind { return must(NewReq(KindSftpDownload, p)) }
func SftpRemove(p SftpRemoveParams) ReqKind     { return must(NewReq(KindSftpRemove, p)) }
func Heartbeat() ReqKind                        { return must(NewReq(KindHeartbeat, HeartbeatParams{})) }

// RawReq wraps an arbitrary JSON payload for forward compatibility with
// request kinds this build does not know about yet.
func RawReq(payload json.RawMessage) ReqKind {
	return ReqKind{Tag: KindRaw, Payload: payload}
}

func must(r ReqKind, err error) ReqKind {
	if err != nil {
		panic(fmt.Errorf("bridgeproto: building constant request literal: %w", err))
	}
	return r
}

// Decode unmarshals the payload into dst. dst must match the shape expected
// for Tag (e.g. *DispatchJobParams when Tag == KindDispatchJob).
func (k ReqKind) Decode(dst any) error {
	return json.Unmarshal(k.Payload, dst)
}

func (k ReqKind) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{k.Tag: k.Payload}
	return json.Marshal(out)
}

func (k *ReqKind) UnmarshalJSON(b []byte) error {
	tag, raw, err := splitTagged(b)
	if err != nil {
		return fmt.Errorf("bridgeproto: ReqKind: %w", err)
	}
	switch tag {
	case KindPullJob, KindDispatchJob, KindRuntimeAction, KindSftpReadDir,
		KindSftpUpload, KindSftpDownload, KindSftpRemove, KindHeartbeat, KindRaw:
		k.Tag = tag
		k.Payload = append(json.RawMessage(nil), raw...)
		return nil
	default:
		return fmt.Errorf("bridgeproto: ReqKind: unknown variant %q", tag)
	}
}
