// Package config implements the ConfigManager: typed getters/setters over
// the State Store's AppSetting table for spec.md section 6's
// configuration surface.
package config

import (
	"strconv"

	"tachyon-dl/internal/store"
)

// Keys for AppSettings in the database.
const (
	KeyMaxParallelDownloads        = "max_parallel_downloads"
	KeyMaxConcurrentChunks         = "max_concurrent_chunks"
	KeyMaxChunkRetries             = "max_chunk_retries"
	KeyChunkOperationTimeoutMs     = "chunk_operation_timeout_ms"
	KeyProgressBatchDelayMs        = "progress_batch_delay_ms"
	KeyProgressBatchBytesThreshold = "progress_batch_bytes_threshold"
	KeyMaxQueueSize                = "max_queue_size"
	KeySizeMarginBytes             = "size_margin_bytes"

	KeyBreakerFailureThreshold = "circuit_breaker_failure_threshold"
	KeyBreakerSuccessThreshold = "circuit_breaker_success_threshold"
	KeyBreakerResetTimeoutMs   = "circuit_breaker_reset_timeout_ms"
	KeyBreakerPerHost          = "circuit_breaker_per_host"

	KeyAdaptiveChunksEnabled    = "adaptive_chunks_enabled"
	KeyAdaptiveChunksMinSize    = "adaptive_chunks_min_size"
	KeyAdaptiveChunksMaxSize    = "adaptive_chunks_max_size"
	KeyAdaptiveChunksMinSamples = "adaptive_chunks_min_samples"

	KeyWorkerPoolMin                = "worker_pool_min"
	KeyWorkerPoolMax                = "worker_pool_max"
	KeyWorkerPoolIdleTimeoutMs      = "worker_pool_idle_timeout_ms"
	KeyWorkerPoolHealthCheckMs      = "worker_pool_health_check_interval_ms"
	KeyGlobalBandwidthLimitBytesSec = "global_bandwidth_limit_bytes_sec"
	KeyUserAgent                    = "user_agent"
)

// ConfigManager reads and writes the engine's tunables, all persisted
// through the shared State Store so restarts retain them.
type ConfigManager struct {
	store *store.Store
}

// NewConfigManager creates a ConfigManager backed by s.
func NewConfigManager(s *store.Store) *ConfigManager {
	return &ConfigManager{store: s}
}

func (c *ConfigManager) getInt(key string, def int) int {
	val, err := c.store.GetSetting(key)
	if err != nil || val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func (c *ConfigManager) setInt(key string, val int) error {
	return c.store.SetSetting(key, strconv.Itoa(val))
}

func (c *ConfigManager) getInt64(key string, def int64) int64 {
	val, err := c.store.GetSetting(key)
	if err != nil || val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (c *ConfigManager) setInt64(key string, val int64) error {
	return c.store.SetSetting(key, strconv.FormatInt(val, 10))
}

func (c *ConfigManager) getBool(key string, def bool) bool {
	val, err := c.store.GetSetting(key)
	if err != nil || val == "" {
		return def
	}
	return val == "true"
}

func (c *ConfigManager) setBool(key string, val bool) error {
	str := "false"
	if val {
		str = "true"
	}
	return c.store.SetSetting(key, str)
}

func (c *ConfigManager) GetMaxParallelDownloads() int        { return c.getInt(KeyMaxParallelDownloads, 3) }
func (c *ConfigManager) SetMaxParallelDownloads(n int) error { return c.setInt(KeyMaxParallelDownloads, n) }

func (c *ConfigManager) GetMaxConcurrentChunks() int        { return c.getInt(KeyMaxConcurrentChunks, 8) }
func (c *ConfigManager) SetMaxConcurrentChunks(n int) error { return c.setInt(KeyMaxConcurrentChunks, n) }

func (c *ConfigManager) GetMaxChunkRetries() int        { return c.getInt(KeyMaxChunkRetries, 6) }
func (c *ConfigManager) SetMaxChunkRetries(n int) error { return c.setInt(KeyMaxChunkRetries, n) }

func (c *ConfigManager) GetChunkOperationTimeoutMs() int { return c.getInt(KeyChunkOperationTimeoutMs, 30000) }
func (c *ConfigManager) SetChunkOperationTimeoutMs(n int) error {
	return c.setInt(KeyChunkOperationTimeoutMs, n)
}

func (c *ConfigManager) GetProgressBatchDelayMs() int        { return c.getInt(KeyProgressBatchDelayMs, 250) }
func (c *ConfigManager) SetProgressBatchDelayMs(n int) error { return c.setInt(KeyProgressBatchDelayMs, n) }

func (c *ConfigManager) GetProgressBatchBytesThreshold() int64 {
	return c.getInt64(KeyProgressBatchBytesThreshold, 256*1024)
}
func (c *ConfigManager) SetProgressBatchBytesThreshold(n int64) error {
	return c.setInt64(KeyProgressBatchBytesThreshold, n)
}

func (c *ConfigManager) GetMaxQueueSize() int        { return c.getInt(KeyMaxQueueSize, 1000) }
func (c *ConfigManager) SetMaxQueueSize(n int) error { return c.setInt(KeyMaxQueueSize, n) }

func (c *ConfigManager) GetSizeMarginBytes() int64        { return c.getInt64(KeySizeMarginBytes, 4096) }
func (c *ConfigManager) SetSizeMarginBytes(n int64) error { return c.setInt64(KeySizeMarginBytes, n) }

func (c *ConfigManager) GetBreakerFailureThreshold() int { return c.getInt(KeyBreakerFailureThreshold, 5) }
func (c *ConfigManager) SetBreakerFailureThreshold(n int) error {
	return c.setInt(KeyBreakerFailureThreshold, n)
}

func (c *ConfigManager) GetBreakerSuccessThreshold() int { return c.getInt(KeyBreakerSuccessThreshold, 2) }
func (c *ConfigManager) SetBreakerSuccessThreshold(n int) error {
	return c.setInt(KeyBreakerSuccessThreshold, n)
}

func (c *ConfigManager) GetBreakerResetTimeoutMs() int { return c.getInt(KeyBreakerResetTimeoutMs, 30000) }
func (c *ConfigManager) SetBreakerResetTimeoutMs(n int) error {
	return c.setInt(KeyBreakerResetTimeoutMs, n)
}

func (c *ConfigManager) GetBreakerPerHost() bool        { return c.getBool(KeyBreakerPerHost, true) }
func (c *ConfigManager) SetBreakerPerHost(v bool) error { return c.setBool(KeyBreakerPerHost, v) }

func (c *ConfigManager) GetAdaptiveChunksEnabled() bool { return c.getBool(KeyAdaptiveChunksEnabled, true) }
func (c *ConfigManager) SetAdaptiveChunksEnabled(v bool) error {
	return c.setBool(KeyAdaptiveChunksEnabled, v)
}

func (c *ConfigManager) GetAdaptiveChunksMinSize() int64 {
	return c.getInt64(KeyAdaptiveChunksMinSize, 1*1024*1024)
}
func (c *ConfigManager) SetAdaptiveChunksMinSize(n int64) error {
	return c.setInt64(KeyAdaptiveChunksMinSize, n)
}

func (c *ConfigManager) GetAdaptiveChunksMaxSize() int64 {
	return c.getInt64(KeyAdaptiveChunksMaxSize, 128*1024*1024)
}
func (c *ConfigManager) SetAdaptiveChunksMaxSize(n int64) error {
	return c.setInt64(KeyAdaptiveChunksMaxSize, n)
}

func (c *ConfigManager) GetAdaptiveChunksMinSamples() int {
	return c.getInt(KeyAdaptiveChunksMinSamples, 2)
}
func (c *ConfigManager) SetAdaptiveChunksMinSamples(n int) error {
	return c.setInt(KeyAdaptiveChunksMinSamples, n)
}

func (c *ConfigManager) GetWorkerPoolMin() int        { return c.getInt(KeyWorkerPoolMin, 2) }
func (c *ConfigManager) SetWorkerPoolMin(n int) error { return c.setInt(KeyWorkerPoolMin, n) }

func (c *ConfigManager) GetWorkerPoolMax() int        { return c.getInt(KeyWorkerPoolMax, 16) }
func (c *ConfigManager) SetWorkerPoolMax(n int) error { return c.setInt(KeyWorkerPoolMax, n) }

func (c *ConfigManager) GetWorkerPoolIdleTimeoutMs() int {
	return c.getInt(KeyWorkerPoolIdleTimeoutMs, 60000)
}
func (c *ConfigManager) SetWorkerPoolIdleTimeoutMs(n int) error {
	return c.setInt(KeyWorkerPoolIdleTimeoutMs, n)
}

func (c *ConfigManager) GetWorkerPoolHealthCheckMs() int {
	return c.getInt(KeyWorkerPoolHealthCheckMs, 30000)
}
func (c *ConfigManager) SetWorkerPoolHealthCheckMs(n int) error {
	return c.setInt(KeyWorkerPoolHealthCheckMs, n)
}

func (c *ConfigManager) GetGlobalBandwidthLimitBytesSec() int64 {
	return c.getInt64(KeyGlobalBandwidthLimitBytesSec, 0)
}
func (c *ConfigManager) SetGlobalBandwidthLimitBytesSec(n int64) error {
	return c.setInt64(KeyGlobalBandwidthLimitBytesSec, n)
}

// GetUserAgent returns the configured User-Agent, or a sane default if
// unset.
func (c *ConfigManager) GetUserAgent() string {
	val, err := c.store.GetSetting(KeyUserAgent)
	if err != nil || val == "" {
		return "tachyon-dl/1.0"
	}
	return val
}

// SetUserAgent stores a custom User-Agent string.
func (c *ConfigManager) SetUserAgent(ua string) error { return c.store.SetSetting(KeyUserAgent, ua) }
