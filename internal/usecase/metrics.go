package usecase

import (
	"time"

	"bumpproxy/internal/domain"
	"bumpproxy/internal/interface/repository/metrics"
)

// MetricsUseCase はメトリクスの定期保存と取得を実装.
type MetricsUseCase struct {
	metrics      *metrics.Repository
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
}

// MetricsConfig はメトリクスの設定を表す.
type MetricsConfig struct {
	SaveInterval time.Duration
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成.
func NewMetricsUseCase(
	collector *metrics.Repository, log domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	uc := &MetricsUseCase{
		metrics:      collector,
		logger:       log,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
	}

	go uc.startPeriodicSave()
	return uc
}

// Stop はメトリクス収集を停止.
func (uc *MetricsUseCase) Stop() {
	close(uc.done)
}

// Snapshot は現在のメトリクスのスナップショットを取得.
func (uc *MetricsUseCase) Snapshot() *metrics.Snapshot {
	return uc.metrics.Snapshot()
}

// startPeriodicSave は定期的なメトリクス保存を開始.
func (uc *MetricsUseCase) startPeriodicSave() {
	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.metrics.SaveMetrics(uc.metrics.Snapshot()); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			return
		}
	}
}
