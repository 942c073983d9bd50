package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 站点级默认值，与原始部署保持一致。
const (
	DefaultPathPrefix     = "/"
	DefaultVersion        = "v1"
	DefaultOfflinePage    = "./offline.html"
	DefaultShellPage      = "./index.html"
	DefaultOfflineMessage = "Offline - page not available"
)

// DefaultAPIPatterns 是未配置 APIPatterns 时使用的保留 API 段。
var DefaultAPIPatterns = []string{"/api/"}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectSiteLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend == StorageBackendFS {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageBackend", StorageBackendFS)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxStorageSize", 512*1024*1024)
	v.SetDefault("RedisAddr", "127.0.0.1:6379")
	v.SetDefault("RedisDB", 0)
	v.SetDefault("RedisPrefix", "offline-hub")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("PrecacheConcurrency", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = StorageBackendFS
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.PrecacheConcurrency == 0 {
		g.PrecacheConcurrency = 4
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Name = strings.TrimSpace(s.Name)
	if s.Upstream == "" {
		s.Upstream = s.Origin
	}
	s.PathPrefix = normalizePathPrefix(s.PathPrefix)
	if strings.TrimSpace(s.Version) == "" {
		s.Version = DefaultVersion
	}
	if len(s.APIPatterns) == 0 {
		s.APIPatterns = append([]string(nil), DefaultAPIPatterns...)
	}
	if s.OfflinePage == "" {
		s.OfflinePage = DefaultOfflinePage
	}
	if s.ShellPage == "" {
		s.ShellPage = DefaultShellPage
	}
	if s.OfflineMessage == "" {
		s.OfflineMessage = DefaultOfflineMessage
	}
}

// normalizePathPrefix 保证前缀以 / 开头并以 / 结尾，例如 "/portfolio/"。
func normalizePathPrefix(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "/" {
		return DefaultPathPrefix
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	if !strings.HasSuffix(trimmed, "/") {
		trimmed += "/"
	}
	return trimmed
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectSiteLevelPorts 拒绝 [[Site]] 内声明 Port，所有站点共享全局 ListenPort。
func rejectSiteLevelPorts(v *viper.Viper) error {
	var sites []map[string]interface{}
	switch raw := v.Get("Site").(type) {
	case []map[string]interface{}:
		sites = raw
	case []interface{}:
		for _, entry := range raw {
			if m, ok := entry.(map[string]interface{}); ok {
				sites = append(sites, m)
			}
		}
	default:
		return nil
	}

	for idx, m := range sites {
		if hasAnyKey(m, "Port", "port") {
			name := fmt.Sprintf("#%d", idx)
			for _, key := range []string{"Name", "name"} {
				if rawName, ok := m[key].(string); ok && rawName != "" {
					name = rawName
				}
			}
			return newFieldError(siteField(name, "Port"), "不支持站点级端口，请使用全局 ListenPort")
		}
	}

	return nil
}

func hasAnyKey(m map[string]interface{}, keys ...string) bool {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}
