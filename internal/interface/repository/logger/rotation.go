package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSize    int64         // バイト単位の最大サイズ
	MaxAge     time.Duration // ログファイルの最大保持期間
	MaxBackups int           // 保持する古いログファイルの最大数
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSize:    100 * 1024 * 1024,  // 100MB
		MaxAge:     7 * 24 * time.Hour, // 7日
		MaxBackups: 5,
	}
}

// needsRotation はログローテーションが必要かどうかを判断.
func needsRotation(filePath string, maxSize int64) (bool, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return info.Size() >= maxSize, nil
}

// rotateFile はログファイルをローテーション.
func rotateFile(basePath string) error {
	timestamp := time.Now().Format("20060102150405")
	rotatedPath := fmt.Sprintf("%s.%s", basePath, timestamp)

	return os.Rename(basePath, rotatedPath)
}

// cleanOldLogs は古いログファイルを削除.
func cleanOldLogs(directory string, config *RotationConfig) error {
	files, err := filepath.Glob(filepath.Join(directory, "*.log.*"))
	if err != nil {
		return err
	}

	now := time.Now()
	var kept []string
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > config.MaxAge {
			os.Remove(f)
			continue
		}
		kept = append(kept, f)
	}

	// Globは名前順 (タイムスタンプ順) なので先頭ほど古い
	if config.MaxBackups > 0 && len(kept) > config.MaxBackups {
		for _, f := range kept[:len(kept)-config.MaxBackups] {
			os.Remove(f)
		}
	}

	return nil
}
