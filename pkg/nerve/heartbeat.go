package nerve

import (
	"os"
	"path/filepath"
	"time"
)

// touch 更新文件 mtime，文件不存在时创建
func touch(path string, now time.Time) error {
	err := os.Chtimes(path, now, now)
	if err == nil || !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(path, now, now)
}
