package bridgeproto

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	t.Parallel()

	req := DispatchJob(DispatchJobParams{Eid: "e-1", Command: "echo hi", TimeoutSec: 30})
	msg := Message{ID: 12, Data: MsgData{Req: &req}}

	frame, err := Pack(msg, DirRequest)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if frame[0] != byte(DirRequest) {
		t.Fatalf("frame[0] = 0x%02x, want 0x00", frame[0])
	}

	got, dir, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if dir != DirRequest {
		t.Fatalf("dir = %v, want DirRequest", dir)
	}
	if got.ID != msg.ID {
		t.Fatalf("ID = %d, want %d", got.ID, msg.ID)
	}
	if got.Data.Req == nil || got.Data.Req.Tag != KindDispatchJob {
		t.Fatalf("Data.Req = %+v, want DispatchJob", got.Data.Req)
	}

	var gotParams, wantParams DispatchJobParams
	if err := got.Data.Req.Decode(&gotParams); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := req.Decode(&wantParams); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(gotParams, wantParams) {
		t.Fatalf("params = %+v, want %+v", gotParams, wantParams)
	}
}

func TestPackUnpackResponse(t *testing.T) {
	t.Parallel()

	resp, err := OkResp(map[string]any{"jobs": []string{}})
	if err != nil {
		t.Fatalf("OkResp: %v", err)
	}
	msg := Message{ID: 7, Data: MsgData{Resp: &resp}}

	frame, err := Pack(msg, DirResponse)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, dir, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if dir != DirResponse {
		t.Fatalf("dir = %v, want DirResponse", dir)
	}
	if got.Data.Resp == nil || got.Data.Resp.Ok == nil {
		t.Fatalf("Data.Resp = %+v, want Ok", got.Data.Resp)
	}
}

func TestUnpackInvalidTag(t *testing.T) {
	t.Parallel()

	_, _, err := Unpack([]byte{0x02, '{', '}'})
	var de *DecodeError
	if err == nil || !asDecodeError(err, &de) || de.Kind != ErrInvalidTag {
		t.Fatalf("err = %v, want ErrInvalidTag", err)
	}
}

func TestUnpackTruncated(t *testing.T) {
	t.Parallel()

	_, _, err := Unpack([]byte{0x00})
	var de *DecodeError
	if err == nil || !asDecodeError(err, &de) || de.Kind != ErrTruncatedFrame {
		t.Fatalf("err = %v, want ErrTruncatedFrame", err)
	}
}

func TestUnpackBadJSON(t *testing.T) {
	t.Parallel()

	_, _, err := Unpack([]byte{0x00, '{', 'x'})
	var de *DecodeError
	if err == nil || !asDecodeError(err, &de) || de.Kind != ErrJSONShape {
		t.Fatalf("err = %v, want ErrJSONShape", err)
	}
}

func TestErrRespRoundTrip(t *testing.T) {
	t.Parallel()

	resp := ErrResp("no such eid")
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Contains(b, []byte(`"Err":"no such eid"`)) {
		t.Fatalf("marshaled = %s, want Err variant", b)
	}

	var got RespKind
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Err == nil || *got.Err != "no such eid" {
		t.Fatalf("got = %+v, want Err=no such eid", got)
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if !ok {
		return false
	}
	*target = de
	return true
}
