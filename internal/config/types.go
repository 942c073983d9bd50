package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的分区存储后端。
const (
	StorageBackendFS    = "fs"
	StorageBackendRedis = "redis"
)

// GlobalConfig 描述全局运行时行为，所有 Site 共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StorageBackend      string   `mapstructure:"StorageBackend"`
	StoragePath         string   `mapstructure:"StoragePath"`
	MaxStorageSize      int64    `mapstructure:"MaxStorageSize"`
	RedisAddr           string   `mapstructure:"RedisAddr"`
	RedisPassword       string   `mapstructure:"RedisPassword"`
	RedisDB             int      `mapstructure:"RedisDB"`
	RedisPrefix         string   `mapstructure:"RedisPrefix"`
	MaxRetries          int      `mapstructure:"MaxRetries"`
	InitialBackoff      Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	PrecacheConcurrency int      `mapstructure:"PrecacheConcurrency"`
}

// SiteConfig 描述一个被接管的站点（相当于一个 worker scope），
// 路径前缀、缓存版本与 manifest 共同决定该站点的离线缓存行为。
type SiteConfig struct {
	Name           string   `mapstructure:"Name"`
	Domain         string   `mapstructure:"Domain"`
	Origin         string   `mapstructure:"Origin"`
	Upstream       string   `mapstructure:"Upstream"`
	Proxy          string   `mapstructure:"Proxy"`
	Username       string   `mapstructure:"Username"`
	Password       string   `mapstructure:"Password"`
	PathPrefix     string   `mapstructure:"PathPrefix"`
	Version        string   `mapstructure:"Version"`
	CachePrefix    string   `mapstructure:"CachePrefix"`
	Manifest       []string `mapstructure:"Manifest"`
	CrossOrigins   []string `mapstructure:"CrossOrigins"`
	APIPatterns    []string `mapstructure:"APIPatterns"`
	OfflinePage    string   `mapstructure:"OfflinePage"`
	ShellPage      string   `mapstructure:"ShellPage"`
	OfflineMessage string   `mapstructure:"OfflineMessage"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// HasCredentials 表示当前 Site 是否配置了完整的上游凭证。
func (s SiteConfig) HasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (s SiteConfig) AuthMode() string {
	if s.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Site 的鉴权模式摘要，例如 portfolio:anonymous。
func CredentialModes(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.AuthMode())
	}
	return result
}

// PrecacheName 返回当前版本的预缓存分区名，例如 portfolio-v1-static。
func (s SiteConfig) PrecacheName() string {
	return partitionName(s.CachePrefix, s.Version, "static")
}

// RuntimeName 返回当前版本的运行时分区名，例如 portfolio-v1-runtime。
func (s SiteConfig) RuntimeName() string {
	return partitionName(s.CachePrefix, s.Version, "runtime")
}

func partitionName(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "-")
}
