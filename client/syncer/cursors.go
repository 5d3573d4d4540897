package syncer

import (
	"PSync/module/updatelog"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// cursorFileVersion 游标文件格式版本，格式不兼容时递增
const cursorFileVersion = 1

type cursorFile struct {
	Version int                `json:"version"`
	Cursors []updatelog.Cursor `json:"cursors"`
}

// CursorStore 游标的本地持久化：一个 JSON 文件。
// 游标是登录态的一部分，目录 0700、文件 0600。
type CursorStore struct {
	path string
}

func NewCursorStore(path string) *CursorStore {
	return &CursorStore{path: path}
}

// Load 文件不存在视为首次登录，返回空表。
func (s *CursorStore) Load() (map[updatelog.EntityKey]int32, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[updatelog.EntityKey]int32{}, nil
		}
		return nil, errors.Wrap(err, "read cursor file")
	}
	var f cursorFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parse cursor file")
	}
	out := make(map[updatelog.EntityKey]int32, len(f.Cursors))
	for _, c := range f.Cursors {
		out[c.Key()] = c.LastSeenSeq
	}
	return out, nil
}

func (s *CursorStore) Save(cursors map[updatelog.EntityKey]int32) error {
	f := cursorFile{Version: cursorFileVersion}
	for key, seq := range cursors {
		f.Cursors = append(f.Cursors, updatelog.Cursor{
			Bucket:      key.Bucket,
			EntityID:    key.EntityID,
			LastSeenSeq: seq,
		})
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal cursors")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	// 先写临时文件再改名，崩溃时不会留下半个文件
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "write cursor file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "replace cursor file")
	}
	return nil
}
