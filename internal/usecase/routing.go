package usecase

import (
	"net/http"
	"sync"

	"bumpproxy/internal/domain"
)

// RoutingProxy はホストパターンによる上流選択をエンジンに載せる.
// ルートは順序付きで先勝ち.
type RoutingProxy struct {
	*ProxyUseCase

	routesMu sync.RWMutex
	routes   []*domain.Route
}

// NewRoutingProxy は新しいRoutingProxyインスタンスを作成.
func NewRoutingProxy(config Config) *RoutingProxy {
	r := AttachRouting(NewProxyUseCase(config))
	r.class = "RoutingProxy"
	return r
}

// AttachRouting は既存のエンジンにルートテーブルを取り付ける.
// バンプエンジンとルーティングを組み合わせる場合に使う.
func AttachRouting(p *ProxyUseCase) *RoutingProxy {
	r := &RoutingProxy{ProxyUseCase: p}
	p.MatchRoute = r.matchRoute
	return r
}

// InsertRoute はルートを先頭に挿入する.
// 不正なパターンは挿入時に拒否される.
func (r *RoutingProxy) InsertRoute(route *domain.Route) error {
	return r.InsertRouteAt(route, 0)
}

// InsertRouteAt はルートを指定位置に挿入する.
func (r *RoutingProxy) InsertRouteAt(route *domain.Route, index int) error {
	if route.Label == "" {
		route.Label = "default"
	}
	if err := route.Compile(); err != nil {
		return err
	}

	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	if index < 0 {
		index = 0
	}
	if index > len(r.routes) {
		index = len(r.routes)
	}

	r.routes = append(r.routes, nil)
	copy(r.routes[index+1:], r.routes[index:])
	r.routes[index] = route
	return nil
}

// ClearRoutes は全ルートを削除する.
func (r *RoutingProxy) ClearRoutes() {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()
	r.routes = nil
}

// RemoveRoutes はラベルが一致するルートをまとめて削除する.
func (r *RoutingProxy) RemoveRoutes(label string) {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	kept := r.routes[:0]
	for _, route := range r.routes {
		if route.Label != label {
			kept = append(kept, route)
		}
	}
	r.routes = kept
}

// Routes は現在のルート一覧のコピーを返す.
func (r *RoutingProxy) Routes() []*domain.Route {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()
	return append([]*domain.Route(nil), r.routes...)
}

// ReplaceRoutes はルート一覧を一括で置き換える (設定リロード用).
func (r *RoutingProxy) ReplaceRoutes(routes []*domain.Route) error {
	for _, route := range routes {
		if route.Label == "" {
			route.Label = "default"
		}
		if err := route.Compile(); err != nil {
			return err
		}
	}

	r.routesMu.Lock()
	defer r.routesMu.Unlock()
	r.routes = append([]*domain.Route(nil), routes...)
	return nil
}

// matchRoute は順に評価して最初に一致したルートの上流を返す.
// 一致が無ければDefaultUpstream.
func (r *RoutingProxy) matchRoute(host string, req *http.Request) *domain.Upstream {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()

	for _, route := range r.routes {
		if route.Matches(host) {
			return route.Upstream
		}
	}
	return r.DefaultUpstream()
}
