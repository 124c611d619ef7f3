package agentrun

import (
	"os"
	"path/filepath"

	"github.com/jiawesoft/jiascheduler/internal/bridgeproto"
)

// dirEntry mirrors one row of an SftpReadDir response.
type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
	Mode  uint32 `json:"mode"`
}

func (e *Executor) sftpReadDir(req bridgeproto.ReqKind) bridgeproto.RespKind {
	var params bridgeproto.SftpReadDirParams
	if err := req.Decode(&params); err != nil {
		return bridgeproto.ErrResp("invalid SftpReadDir payload: " + err.Error())
	}

	entries, err := os.ReadDir(params.Dir)
	if err != nil {
		return bridgeproto.ErrResp("read dir: " + err.Error())
	}

	out := make([]dirEntry, 0, len(entries))
	for _, ent := range entries {
		info, err := ent.Info()
		if err != nil {
			continue
		}
		out = append(out, dirEntry{
			Name:  ent.Name(),
			IsDir: ent.IsDir(),
			Size:  info.Size(),
			Mode:  uint32(info.Mode().Perm()),
		})
	}
	return mustOk(out)
}

func (e *Executor) sftpUpload(req bridgeproto.ReqKind) bridgeproto.RespKind {
	var params bridgeproto.SftpUploadParams
	if err := req.Decode(&params); err != nil {
		return bridgeproto.ErrResp("invalid SftpUpload payload: " + err.Error())
	}

	mode := os.FileMode(0o644)
	if params.Mode != 0 {
		mode = os.FileMode(params.Mode)
	}
	if dir := filepath.Dir(params.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return bridgeproto.ErrResp("mkdir: " + err.Error())
		}
	}
	if err := os.WriteFile(params.Path, params.Content, mode); err != nil {
		return bridgeproto.ErrResp("write file: " + err.Error())
	}
	return mustOk(map[string]string{"path": params.Path})
}

func (e *Executor) sftpDownload(req bridgeproto.ReqKind) bridgeproto.RespKind {
	var params bridgeproto.SftpDownloadParams
	if err := req.Decode(&params); err != nil {
		return bridgeproto.ErrResp("invalid SftpDownload payload: " + err.Error())
	}

	content, err := os.ReadFile(params.Path)
	if err != nil {
		return bridgeproto.ErrResp("read file: " + err.Error())
	}
	return mustOk(map[string]any{"path": params.Path, "content": content})
}

func (e *Executor) sftpRemove(req bridgeproto.ReqKind) bridgeproto.RespKind {
	var params bridgeproto.SftpRemoveParams
	if err := req.Decode(&params); err != nil {
		return bridgeproto.ErrResp("invalid SftpRemove payload: " + err.Error())
	}

	var err error
	if params.Recursive {
		err = os.RemoveAll(params.Path)
	} else {
		err = os.Remove(params.Path)
	}
	if err != nil {
		return bridgeproto.ErrResp("remove: " + err.Error())
	}
	return mustOk(map[string]string{"path": params.Path})
}
