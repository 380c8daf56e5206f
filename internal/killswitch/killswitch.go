package killswitch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Switch 通过标记文件触发“全部平仓并停止接单”
type Switch struct {
	path string
}

// New 标记文件为 dir/name
func New(dir, name string) *Switch {
	return &Switch{path: filepath.Join(dir, name)}
}

func (s *Switch) Path() string { return s.path }

// Present 标记文件是否存在
func (s *Switch) Present() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear 删除标记文件，不存在不算错误
func (s *Switch) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除标记文件失败: %w", err)
	}
	return nil
}

// Trigger 创建标记文件（cmd/emergency 使用）
func (s *Switch) Trigger() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("创建指令目录失败: %w", err)
	}
	content := fmt.Sprintf("requested_at=%s\n", time.Now().Format(time.RFC3339))
	return os.WriteFile(s.path, []byte(content), 0o644)
}
