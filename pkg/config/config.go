// Package config exposes the runtime's recognized option surface as a typed
// struct, loadable from a string-keyed map (the option names below) or from
// the environment. Anything beyond this shape — file formats, remote config —
// is the embedding application's concern.
//
// Recognized options:
//
//	maxConnectionsPerIp            gate limit
//	maxAttemptsBeforeBlock         security attempts threshold
//	blacklistDurationSeconds       blacklist TTL
//	deny.ips                       comma-separated IP prefix list
//	deny.urls                      comma-separated URI prefix list
//	deny.extensions                comma-separated extension set
//	allowed.contentTypes           comma-separated substring set
//	huge.limit                     max body bytes
//	compression.threshold          bytes
//	compression.excludedMimeTypes  comma-separated MIME set
//	cache.expireMinutes            default cache TTL
//	cache.maxSize                  cache capacity
//	task.basePackage               accepted for compatibility; discovery is
//	                               explicit registration and ignores it
//	task.timezone                  IANA zone, default Asia/Seoul
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full recognized option set with defaults applied.
type Config struct {
	MaxConnectionsPerIP    int
	MaxAttemptsBeforeBlock int64
	BlacklistDuration      time.Duration

	DenyIPs             []string
	DenyURLs            []string
	DenyExtensions      []string
	AllowedContentTypes []string
	HugeLimit           int64

	CompressionThreshold     int64
	CompressionExcludedTypes []string

	CacheExpire  time.Duration
	CacheMaxSize int

	TaskBasePackage string
	TaskTimezone    string
}

// Default returns the shipped defaults.
func Default() Config {
	return Config{
		MaxConnectionsPerIP:    100,
		MaxAttemptsBeforeBlock: 5,
		BlacklistDuration:      5 * time.Minute,
		DenyExtensions: []string{
			".php", ".asp", ".aspx", ".jsp", ".cgi", ".exe", ".dll",
			".bak", ".sql", ".env", ".ini", ".sh",
		},
		AllowedContentTypes: []string{
			"json", "xml", "x-www-form-urlencoded", "multipart/form-data", "text/plain",
		},
		HugeLimit:            10 << 20,
		CompressionThreshold: 2 << 10,
		CompressionExcludedTypes: []string{
			"application/zip", "application/gzip", "application/x-gzip",
			"application/x-tar", "application/x-rar-compressed",
			"application/x-7z-compressed", "application/pdf",
			"application/octet-stream", "application/vnd.ms-fontobject",
			"font/woff", "font/woff2", "font/ttf", "font/otf",
		},
		CacheExpire:  30 * time.Minute,
		CacheMaxSize: 10_000_000,
		TaskTimezone: "Asia/Seoul",
	}
}

// FromMap overlays options from a string-keyed map onto the defaults.
// Unrecognized keys are reported as errors so typos surface at boot.
func FromMap(opts map[string]string) (Config, error) {
	c := Default()
	for key, raw := range opts {
		if err := c.apply(key, raw); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}

func (c *Config) apply(key, raw string) error {
	var err error
	switch key {
	case "maxConnectionsPerIp":
		c.MaxConnectionsPerIP, err = parseInt(key, raw)
	case "maxAttemptsBeforeBlock":
		var n int
		n, err = parseInt(key, raw)
		c.MaxAttemptsBeforeBlock = int64(n)
	case "blacklistDurationSeconds":
		var n int
		n, err = parseInt(key, raw)
		c.BlacklistDuration = time.Duration(n) * time.Second
	case "deny.ips":
		c.DenyIPs = splitList(raw)
	case "deny.urls":
		c.DenyURLs = splitList(raw)
	case "deny.extensions":
		c.DenyExtensions = splitList(strings.ToLower(raw))
	case "allowed.contentTypes":
		c.AllowedContentTypes = splitList(raw)
	case "huge.limit":
		var n int
		n, err = parseInt(key, raw)
		c.HugeLimit = int64(n)
	case "compression.threshold":
		var n int
		n, err = parseInt(key, raw)
		c.CompressionThreshold = int64(n)
	case "compression.excludedMimeTypes":
		c.CompressionExcludedTypes = splitList(strings.ToLower(raw))
	case "cache.expireMinutes":
		var n int
		n, err = parseInt(key, raw)
		c.CacheExpire = time.Duration(n) * time.Minute
	case "cache.maxSize":
		c.CacheMaxSize, err = parseInt(key, raw)
	case "task.basePackage":
		c.TaskBasePackage = raw
	case "task.timezone":
		c.TaskTimezone = raw
	default:
		return fmt.Errorf("config: unrecognized option %q", key)
	}
	return err
}

// envPrefix maps option keys onto environment variables: dots and camelCase
// become upper snake, prefixed EDGE_ (deny.ips -> EDGE_DENY_IPS).
const envPrefix = "EDGE_"

var envKeys = map[string]string{
	"MAX_CONNECTIONS_PER_IP":           "maxConnectionsPerIp",
	"MAX_ATTEMPTS_BEFORE_BLOCK":        "maxAttemptsBeforeBlock",
	"BLACKLIST_DURATION_SECONDS":       "blacklistDurationSeconds",
	"DENY_IPS":                         "deny.ips",
	"DENY_URLS":                        "deny.urls",
	"DENY_EXTENSIONS":                  "deny.extensions",
	"ALLOWED_CONTENT_TYPES":            "allowed.contentTypes",
	"HUGE_LIMIT":                       "huge.limit",
	"COMPRESSION_THRESHOLD":            "compression.threshold",
	"COMPRESSION_EXCLUDED_MIME_TYPES":  "compression.excludedMimeTypes",
	"CACHE_EXPIRE_MINUTES":             "cache.expireMinutes",
	"CACHE_MAX_SIZE":                   "cache.maxSize",
	"TASK_BASE_PACKAGE":                "task.basePackage",
	"TASK_TIMEZONE":                    "task.timezone",
}

// FromEnv overlays EDGE_-prefixed environment variables onto the defaults.
func FromEnv() (Config, error) {
	c := Default()
	for env, key := range envKeys {
		if raw, ok := os.LookupEnv(envPrefix + env); ok {
			if err := c.apply(key, raw); err != nil {
				return Config{}, err
			}
		}
	}
	return c, nil
}

// Location resolves the configured task timezone.
func (c Config) Location() (*time.Location, error) {
	if c.TaskTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TaskTimezone)
	if err != nil {
		return nil, fmt.Errorf("config: task.timezone: %w", err)
	}
	return loc, nil
}

func parseInt(key, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: option %q: invalid integer %q", key, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: option %q: negative value %d", key, n)
	}
	return n, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
