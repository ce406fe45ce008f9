package routes

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bumpproxy/internal/domain"
)

// RouteTable はルート設定ファイルの構造を定義.
type RouteTable struct {
	DefaultUpstream *domain.Upstream `yaml:"default_upstream,omitempty"`
	Routes          []*domain.Route  `yaml:"routes"`
}

// Applier はロードしたルート一覧の適用先.
type Applier interface {
	ReplaceRoutes(routes []*domain.Route) error
}

// Repository はルートテーブルをyamlファイルから読み込み、
// 変更を監視して適用する.
type Repository struct {
	configFile string
	applier    Applier
	logger     domain.Logger
	done       chan struct{}
}

// New は新しいRepositoryインスタンスを作成.
func New(configFile string, applier Applier, log domain.Logger) *Repository {
	return &Repository{
		configFile: configFile,
		applier:    applier,
		logger:     log,
		done:       make(chan struct{}),
	}
}

// Load は設定を読み込んで適用する.
func (r *Repository) Load() (*RouteTable, error) {
	table, err := loadConfigFile(r.configFile)
	if err != nil {
		return nil, err
	}

	if err := r.applier.ReplaceRoutes(table.Routes); err != nil {
		return nil, fmt.Errorf("failed to apply routes: %v", err)
	}

	// 既定上流の適用先があれば委譲する
	if setter, ok := r.applier.(interface {
		SetDefaultUpstream(*domain.Upstream)
	}); ok {
		setter.SetDefaultUpstream(table.DefaultUpstream)
	}

	r.logger.Info("Loaded routes", map[string]interface{}{
		"count": len(table.Routes),
	})
	return table, nil
}

// Watch は設定ファイルの変更を監視して自動的に再読み込みする.
func (r *Repository) Watch(interval time.Duration) {
	go r.watchConfig(interval)
}

// Close は監視を停止する.
func (r *Repository) Close() {
	close(r.done)
}

func (r *Repository) watchConfig(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastModTime time.Time
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		stat, err := os.Stat(r.configFile)
		if err != nil {
			r.logger.Warn("Failed to check routes file", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		if stat.ModTime().After(lastModTime) {
			if _, err := r.Load(); err != nil {
				r.logger.Error("Failed to reload routes", err, nil)
				continue
			}
			lastModTime = stat.ModTime()
		}
	}
}

// loadConfigFile は設定ファイルを読み込む. 無ければ空の既定を作成する.
func loadConfigFile(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultConfig(path)
		}
		return nil, fmt.Errorf("failed to read routes config: %v", err)
	}

	var table RouteTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse routes config: %v", err)
	}

	return &table, nil
}

func createDefaultConfig(path string) (*RouteTable, error) {
	table := &RouteTable{Routes: []*domain.Route{}}

	data, err := yaml.Marshal(table)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}

	return table, nil
}
