package worker

import (
	"net/http"
	"strings"

	"github.com/offline-hub/offline-hub/internal/config"
)

// Strategy 是路由选择的处理方式。
type Strategy string

const (
	StrategyBypass       Strategy = "bypass"
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
	StrategyNavigate     Strategy = "navigate"
)

// 路由原因，同时作为日志 route 字段与指标 strategy 标签。
const (
	ReasonCrossOrigin  = "cross_origin"
	ReasonMethod       = "method"
	ReasonOutOfScope   = "out_of_scope"
	ReasonUncontrolled = "uncontrolled"
	ReasonAPI          = "api"
	ReasonNavigation   = "navigation"
	ReasonStatic       = "static"
)

// Decision 是一次路由结果。
type Decision struct {
	Strategy Strategy
	Reason   string
}

// Router 按固定优先级对请求分类，首个命中的规则生效。
type Router struct {
	origin      string
	pathPrefix  string
	apiPatterns []string
}

// NewRouter 构造 Router，origin 形如 https://host[:port]，pathPrefix 以 / 结尾。
func NewRouter(origin, pathPrefix string, apiPatterns []string) *Router {
	if pathPrefix == "" {
		pathPrefix = "/"
	}
	return &Router{
		origin:      strings.ToLower(strings.TrimSuffix(origin, "/")),
		pathPrefix:  pathPrefix,
		apiPatterns: append([]string(nil), apiPatterns...),
	}
}

// Route 返回请求对应的策略。
func (r *Router) Route(req *Request) Decision {
	if req == nil || req.URL == nil || config.OriginOf(req.URL) != r.origin {
		return Decision{Strategy: StrategyBypass, Reason: ReasonCrossOrigin}
	}
	if req.Method != http.MethodGet {
		return Decision{Strategy: StrategyBypass, Reason: ReasonMethod}
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	if !r.inScope(path) {
		return Decision{Strategy: StrategyBypass, Reason: ReasonOutOfScope}
	}
	for _, pattern := range r.apiPatterns {
		if strings.Contains(path, pattern) {
			return Decision{Strategy: StrategyNetworkFirst, Reason: ReasonAPI}
		}
	}
	if req.Mode == ModeNavigate {
		return Decision{Strategy: StrategyNavigate, Reason: ReasonNavigation}
	}
	return Decision{Strategy: StrategyCacheFirst, Reason: ReasonStatic}
}

// inScope 判断路径是否位于 pathPrefix 之下，"/portfolio" 视同 "/portfolio/"。
func (r *Router) inScope(path string) bool {
	if r.pathPrefix == "/" {
		return true
	}
	return strings.HasPrefix(path, r.pathPrefix) || path == strings.TrimSuffix(r.pathPrefix, "/")
}
