package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StorageBackend {
	case StorageBackendFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageBackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 后端必须提供地址")
		}
	default:
		return newFieldError("Global.StorageBackend", "仅支持 fs/redis")
	}
	if g.MaxStorageSize < 0 {
		return newFieldError("Global.MaxStorageSize", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PrecacheConcurrency <= 0 {
		return newFieldError("Global.PrecacheConcurrency", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, "/\\: ") {
			return newFieldError(siteField(site.Name, "Name"), "不允许包含路径分隔符、冒号或空格")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
		if (site.Username == "") != (site.Password == "") {
			return newFieldError(siteField(site.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if strings.ContainsAny(site.Version, "/\\ ") {
			return newFieldError(siteField(site.Name, "Version"), "不允许包含路径分隔符或空格")
		}

		allowed := map[string]struct{}{}
		for _, raw := range site.CrossOrigins {
			if err := validateOrigin(raw); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "CrossOrigins"), err)
			}
			allowed[OriginOf(mustParse(raw))] = struct{}{}
		}

		if len(site.Manifest) == 0 {
			return newFieldError(siteField(site.Name, "Manifest"), "至少需要一个预缓存条目")
		}
		siteOrigin := OriginOf(mustParse(site.Origin))
		for _, entry := range site.Manifest {
			if err := validateManifestEntry(entry, siteOrigin, allowed); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Manifest"), err)
			}
		}

		for _, pattern := range site.APIPatterns {
			if strings.TrimSpace(pattern) == "" {
				return newFieldError(siteField(site.Name, "APIPatterns"), "不允许空模式")
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateOrigin 要求 scheme://host[:port]，不允许携带路径或查询串。
func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed := mustParse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("origin 不允许包含路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("origin 不允许包含查询串: %s", raw)
	}
	return nil
}

func validateManifestEntry(entry, siteOrigin string, allowed map[string]struct{}) error {
	trimmed := strings.TrimSpace(entry)
	if trimmed == "" {
		return errors.New("manifest 条目不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("manifest 条目无法解析: %s", trimmed)
	}
	if !parsed.IsAbs() {
		return nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("manifest 条目仅支持 http/https: %s", trimmed)
	}
	origin := OriginOf(parsed)
	if origin == siteOrigin {
		return nil
	}
	if _, ok := allowed[origin]; !ok {
		return fmt.Errorf("跨域条目 %s 未在 CrossOrigins 中声明", trimmed)
	}
	return nil
}

// OriginOf 返回 URL 的 scheme://host 形式（小写，省略默认端口），用于同源判断。
func OriginOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme + "://" + CanonicalHost(scheme, u.Host)
}

// CanonicalHost 小写 host，并去掉与 scheme 对应的默认端口（http:80、https:443）。
func CanonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch strings.ToLower(scheme) {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

func mustParse(raw string) *url.URL {
	parsed, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}
