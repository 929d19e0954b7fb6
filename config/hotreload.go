// 配置热重载管理器实现。
//
// 监听配置文件，检测字段级变更，应用前校验，回调失败时自动回滚，并保留审计记录。
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 热重载类型定义 ---

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	// 当前配置
	config     *Config
	configPath string

	// 回滚支持
	previousConfig *Config
	configHistory  []ConfigSnapshot
	maxHistorySize int
	validateFunc   ValidateFunc

	watcher      *FileWatcher
	pollInterval time.Duration

	// 回调
	changeCallbacks   []ChangeCallback
	reloadCallbacks   []ReloadCallback
	rollbackCallbacks []RollbackCallback

	changeLog []ConfigChange

	logger *zap.Logger

	running bool
	cancel  context.CancelFunc
}

// ChangeCallback 每个字段变更时调用
type ChangeCallback func(change ConfigChange)

// ReloadCallback 新配置生效后调用，返回 error 触发回滚
type ReloadCallback func(oldConfig, newConfig *Config) error

// ConfigChange 代表一次字段变更
type ConfigChange struct {
	Timestamp time.Time `json:"timestamp"`

	// 来源: file, api, rollback
	Source string `json:"source"`

	// 字段路径，例如 "Pool.MaxConnectionsPerPartition"
	Path string `json:"path"`

	// 敏感字段的值会被替换为 [REDACTED]
	OldValue any `json:"old_value,omitempty"`
	NewValue any `json:"new_value,omitempty"`

	RequiresRestart bool   `json:"requires_restart"`
	Applied         bool   `json:"applied"`
	Error           string `json:"error,omitempty"`
}

// ConfigSnapshot 配置快照
type ConfigSnapshot struct {
	Config    *Config   `json:"config"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// ValidateFunc 应用前的额外校验
type ValidateFunc func(newConfig *Config) error

// RollbackCallback 回滚事件回调
type RollbackCallback func(event RollbackEvent)

// RollbackEvent 回滚事件
type RollbackEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Reason         string    `json:"reason"`
	FailedConfig   *Config   `json:"-"`
	RestoredConfig *Config   `json:"-"`
	Version        int       `json:"version"`
	Error          error     `json:"-"`
}

// HotReloadableField 描述字段的重载语义
type HotReloadableField struct {
	Path            string `json:"path"`
	Description     string `json:"description"`
	RequiresRestart bool   `json:"requires_restart"`
	Sensitive       bool   `json:"sensitive"`
}

// --- 可热重载字段注册表 ---

// hotReloadableFields 未登记的字段一律视为需要重启
var hotReloadableFields = map[string]HotReloadableField{
	"Log.Level": {Path: "Log.Level", Description: "Log level (debug, info, warn, error)"},

	// 连接池参数通过 Pool.Reconfigure 在线生效
	"Pool.MinConnectionsPerPartition": {Path: "Pool.MinConnectionsPerPartition", Description: "Connections kept open per partition"},
	"Pool.MaxConnectionsPerPartition": {Path: "Pool.MaxConnectionsPerPartition", Description: "Connection cap per partition"},
	"Pool.AcquireIncrement":           {Path: "Pool.AcquireIncrement", Description: "Connections opened per replenish batch"},
	"Pool.PoolAvailabilityThreshold":  {Path: "Pool.PoolAvailabilityThreshold", Description: "Free percentage that triggers replenishment"},
	"Pool.MaxConnectionAge":           {Path: "Pool.MaxConnectionAge", Description: "Lifetime after which connections are retired"},
	"Pool.IdleConnectionTestPeriod":   {Path: "Pool.IdleConnectionTestPeriod", Description: "Idle time before a keep-alive probe"},
	"Pool.IdleMaxAge":                 {Path: "Pool.IdleMaxAge", Description: "Idle time before a connection is closed"},
	"Pool.QueryExecuteTimeLimit":      {Path: "Pool.QueryExecuteTimeLimit", Description: "Statement duration reported as slow"},
	"Pool.ConnectionTimeout":          {Path: "Pool.ConnectionTimeout", Description: "Maximum wait for a free connection"},
	"Pool.SweepThrottle":              {Path: "Pool.SweepThrottle", Description: "Pause between idle sweep steps"},
	"Pool.ServiceOrder":               {Path: "Pool.ServiceOrder", Description: "Free list order (FIFO, LIFO)"},
	"Pool.AcquireRetryAttempts":       {Path: "Pool.AcquireRetryAttempts", Description: "Shared retry budget for failed creation"},
	"Pool.AcquireRetryDelay":          {Path: "Pool.AcquireRetryDelay", Description: "Delay between creation retries"},
	"Pool.ConnectionTestStatement":    {Path: "Pool.ConnectionTestStatement", Description: "Statement used by keep-alive probes"},
	"Pool.InitStatement":              {Path: "Pool.InitStatement", Description: "Statement run on every new connection"},
	"Pool.FatalSQLStates":             {Path: "Pool.FatalSQLStates", Description: "Extra SQL states that terminate connections"},
	"Pool.StatementsCacheSize":        {Path: "Pool.StatementsCacheSize", Description: "Prepared statement cache size for new connections"},
	"Pool.LazyInit":                   {Path: "Pool.LazyInit", Description: "Skip eager partition fill"},
	"Pool.LogStatements":              {Path: "Pool.LogStatements", Description: "Log every executed statement"},
	"Pool.PartitionCount":             {Path: "Pool.PartitionCount", Description: "Number of partitions", RequiresRestart: true},
	"Pool.ReleaseHelperThreads":       {Path: "Pool.ReleaseHelperThreads", Description: "Asynchronous release workers", RequiresRestart: true},
	"Pool.Name":                       {Path: "Pool.Name", Description: "Pool name used in logs and metrics", RequiresRestart: true},

	"Telemetry.SampleRate": {Path: "Telemetry.SampleRate", Description: "Trace sample rate", RequiresRestart: true},

	"Server.HTTPPort":       {Path: "Server.HTTPPort", Description: "HTTP server port", RequiresRestart: true},
	"Server.MaxConnections": {Path: "Server.MaxConnections", Description: "Concurrent HTTP connections", RequiresRestart: true},
	"Server.ConfigAPIKey":   {Path: "Server.ConfigAPIKey", Description: "Config API key", RequiresRestart: true, Sensitive: true},
	"Server.RateLimitRPS":   {Path: "Server.RateLimitRPS", Description: "Requests per second per client IP", RequiresRestart: true},
	"Server.RateLimitBurst": {Path: "Server.RateLimitBurst", Description: "Rate limit burst size", RequiresRestart: true},

	"Database.Driver":   {Path: "Database.Driver", Description: "database/sql driver", RequiresRestart: true},
	"Database.URL":      {Path: "Database.URL", Description: "Full DSN", RequiresRestart: true, Sensitive: true},
	"Database.Host":     {Path: "Database.Host", Description: "Database host", RequiresRestart: true},
	"Database.Port":     {Path: "Database.Port", Description: "Database port", RequiresRestart: true},
	"Database.Password": {Path: "Database.Password", Description: "Database password", RequiresRestart: true, Sensitive: true},
}

// --- 热重载管理器选项 ---

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		m.logger = logger
	}
}

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.configPath = path
	}
}

// WithMaxHistorySize 设置配置历史最大记录数
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// WithValidateFunc 设置配置验证钩子
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) {
		m.validateFunc = fn
	}
}

// WithReloadPollInterval 设置文件轮询间隔
func WithReloadPollInterval(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) {
		m.pollInterval = d
	}
}

// --- 热重载管理器实现 ---

// NewHotReloadManager 创建热重载管理器
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:         deepCopyConfig(config),
		maxHistorySize: 10,
		pollInterval:   time.Second,
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))

	m.pushHistory(m.config, "init")
	return m
}

// pushHistory 追加快照，超出上限时丢弃最旧的
func (m *HotReloadManager) pushHistory(config *Config, source string) {
	version := 1
	if len(m.configHistory) > 0 {
		version = m.configHistory[len(m.configHistory)-1].Version + 1
	}
	m.configHistory = append(m.configHistory, ConfigSnapshot{
		Config:    deepCopyConfig(config),
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Checksum:  computeConfigChecksum(config),
	})
	if len(m.configHistory) > m.maxHistorySize {
		m.configHistory = m.configHistory[len(m.configHistory)-m.maxHistorySize:]
	}
}

func deepCopyConfig(config *Config) *Config {
	data, err := json.Marshal(config)
	if err != nil {
		return config
	}
	var copied Config
	if err := json.Unmarshal(data, &copied); err != nil {
		return config
	}
	return &copied
}

func computeConfigChecksum(config *Config) string {
	data, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Start 启动文件监听；未设置路径时只提供 API 驱动的重载
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	if m.configPath != "" {
		watcher, err := NewFileWatcher(
			[]string{m.configPath},
			WithWatcherLogger(m.logger),
			WithDebounceDelay(500*time.Millisecond),
			WithPollInterval(m.pollInterval),
		)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		watcher.OnChange(m.handleFileChange)
		if err := watcher.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		m.watcher = watcher
	}

	m.cancel = cancel
	m.running = true
	m.logger.Info("hot reload manager started", zap.String("config_path", m.configPath))
	return nil
}

// Stop 停止热重载管理器
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	// 回调可能持有 m.mu，必须在锁外等待 watcher 退出
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			m.logger.Error("failed to stop file watcher", zap.Error(err))
		}
	}
	m.logger.Info("hot reload manager stopped")
	return nil
}

func (m *HotReloadManager) handleFileChange(event FileEvent) {
	m.logger.Info("configuration file changed",
		zap.String("path", event.Path),
		zap.String("op", event.Op.String()))

	if event.Op == FileOpWrite || event.Op == FileOpCreate {
		if err := m.ReloadFromFile(); err != nil {
			m.logger.Error("failed to reload configuration", zap.Error(err))
		}
	}
}

// ReloadFromFile 从文件重新加载配置；加载或校验失败时保留当前配置
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	newConfig, err := NewLoader().WithConfigPath(m.configPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig 应用新配置。校验、切换、历史记录在同一把锁内完成，
// 回调在锁外执行，任一回调失败则回滚到旧配置。
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	if newConfig == nil {
		return fmt.Errorf("config is nil")
	}
	newConfig = deepCopyConfig(newConfig)

	m.mu.Lock()
	oldConfig := m.config

	if m.validateFunc != nil {
		if err := m.validateFunc(newConfig); err != nil {
			m.changeLog = append(m.changeLog, ConfigChange{
				Timestamp: time.Now(),
				Source:    source,
				Path:      "(validation_hook)",
				Error:     fmt.Sprintf("validation hook failed: %v", err),
			})
			m.mu.Unlock()
			m.logger.Warn("config validation hook failed",
				zap.Error(err), zap.String("source", source))
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	changes := detectChanges(oldConfig, newConfig)
	if len(changes) == 0 {
		m.mu.Unlock()
		m.logger.Debug("configuration unchanged", zap.String("source", source))
		return nil
	}

	var requiresRestart bool
	now := time.Now()
	for i := range changes {
		c := &changes[i]
		c.Source = source
		c.Timestamp = now
		c.Applied = true
		requiresRestart = requiresRestart || c.RequiresRestart
		m.logChange(*c)
	}

	m.previousConfig = oldConfig
	m.config = newConfig
	m.pushHistory(newConfig, source)
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}

	changeCallbacks := append([]ChangeCallback(nil), m.changeCallbacks...)
	reloadCallbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.Unlock()

	if err := notifyCallbacksSafe(changeCallbacks, reloadCallbacks, deepCopyConfig(oldConfig), deepCopyConfig(newConfig), changes); err != nil {
		m.mu.Lock()
		if m.config == newConfig {
			m.rollbackLocked(oldConfig, fmt.Sprintf("callback error: %v", err), err)
		} else {
			m.logger.Warn("callback failed but config changed concurrently, skip rollback", zap.Error(err))
		}
		m.mu.Unlock()
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if requiresRestart {
		m.logger.Warn("some configuration changes require restart to take effect")
	}
	m.logger.Info("configuration reloaded",
		zap.Int("changes", len(changes)),
		zap.Bool("requires_restart", requiresRestart))
	return nil
}

// notifyCallbacksSafe 通知回调并把 panic 转成 error
func notifyCallbacksSafe(changeCallbacks []ChangeCallback, reloadCallbacks []ReloadCallback, oldConfig, newConfig *Config, changes []ConfigChange) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range changeCallbacks {
		for _, change := range changes {
			cb(change)
		}
	}
	for _, cb := range reloadCallbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return err
		}
	}
	return nil
}

// Diff 返回当前配置与 newConfig 的差异，不应用
func (m *HotReloadManager) Diff(newConfig *Config) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return detectChanges(m.config, newConfig)
}

// detectChanges 逐字段比较两份配置，并标注重启需求与脱敏
func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	for i := range changes {
		c := &changes[i]
		field, known := hotReloadableFields[c.Path]
		c.RequiresRestart = !known || field.RequiresRestart
		if known && field.Sensitive {
			c.OldValue = "[REDACTED]"
			c.NewValue = "[REDACTED]"
		}
	}
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldPath := field.Name
		if prefix != "" {
			fieldPath = prefix + "." + field.Name
		}

		oldField := oldVal.Field(i)
		newField := newVal.Field(i)
		if oldField.Kind() == reflect.Struct && oldField.Type() != reflect.TypeOf(time.Time{}) {
			compareStructs(fieldPath, oldField, newField, changes)
			continue
		}
		if !valuesEqual(oldField, newField) {
			*changes = append(*changes, ConfigChange{
				Path:     fieldPath,
				OldValue: oldField.Interface(),
				NewValue: newField.Interface(),
			})
		}
	}
}

// valuesEqual 把 nil 切片与空切片视为相等
func valuesEqual(a, b reflect.Value) bool {
	if a.Kind() == reflect.Slice && a.Len() == 0 && b.Len() == 0 {
		return true
	}
	return reflect.DeepEqual(a.Interface(), b.Interface())
}

func (m *HotReloadManager) logChange(change ConfigChange) {
	fields := []zap.Field{
		zap.String("path", change.Path),
		zap.String("source", change.Source),
		zap.Bool("requires_restart", change.RequiresRestart),
		zap.Any("old_value", change.OldValue),
		zap.Any("new_value", change.NewValue),
	}
	m.logger.Info("configuration changed", fields...)
}

// OnChange 注册字段变更回调
func (m *HotReloadManager) OnChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeCallbacks = append(m.changeCallbacks, callback)
}

// OnReload 注册重载回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// OnRollback 注册回滚事件回调
func (m *HotReloadManager) OnRollback(callback RollbackCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCallbacks = append(m.rollbackCallbacks, callback)
}

// Rollback 恢复上一个成功应用的配置。不会再次触发重载回调。
func (m *HotReloadManager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.previousConfig == nil {
		return fmt.Errorf("no previous config available for rollback")
	}
	m.rollbackLocked(m.previousConfig, "manual rollback", nil)
	return nil
}

// RollbackToVersion 恢复历史中的指定版本
func (m *HotReloadManager) RollbackToVersion(version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snapshot := range m.configHistory {
		if snapshot.Version == version {
			m.rollbackLocked(snapshot.Config, fmt.Sprintf("rollback to version %d", version), nil)
			return nil
		}
	}
	return fmt.Errorf("config version %d not found in history", version)
}

// rollbackLocked 调用方持有 m.mu 写锁
func (m *HotReloadManager) rollbackLocked(target *Config, reason string, cause error) {
	failed := m.config
	restored := deepCopyConfig(target)
	m.config = restored
	m.previousConfig = nil

	restoredVersion := 0
	checksum := computeConfigChecksum(restored)
	for _, snapshot := range m.configHistory {
		if snapshot.Checksum == checksum {
			restoredVersion = snapshot.Version
		}
	}

	m.changeLog = append(m.changeLog, ConfigChange{
		Timestamp: time.Now(),
		Source:    "rollback",
		Path:      "(rollback)",
		Applied:   true,
		Error:     reason,
	})

	event := RollbackEvent{
		Timestamp:      time.Now(),
		Reason:         reason,
		FailedConfig:   failed,
		RestoredConfig: restored,
		Version:        restoredVersion,
		Error:          cause,
	}
	for _, cb := range m.rollbackCallbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("rollback callback panicked", zap.Any("panic", r))
				}
			}()
			cb(event)
		}()
	}

	m.logger.Warn("configuration rolled back",
		zap.String("reason", reason),
		zap.Int("restored_version", restoredVersion))
}

// GetConfigHistory 返回配置历史
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.configHistory...)
}

// GetCurrentVersion 返回最新快照的版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.configHistory) == 0 {
		return 0
	}
	return m.configHistory[len(m.configHistory)-1].Version
}

// GetConfig 返回当前配置的副本
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return deepCopyConfig(m.config)
}

// GetChangeLog 返回最近 limit 条变更，limit <= 0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.changeLog) {
		limit = len(m.changeLog)
	}
	return append([]ConfigChange(nil), m.changeLog[len(m.changeLog)-limit:]...)
}

// GetHotReloadableFields 返回字段注册表的副本
func GetHotReloadableFields() map[string]HotReloadableField {
	result := make(map[string]HotReloadableField, len(hotReloadableFields))
	for k, v := range hotReloadableFields {
		result[k] = v
	}
	return result
}

// IsHotReloadable 字段是否无需重启即可生效
func IsHotReloadable(path string) bool {
	field, known := hotReloadableFields[path]
	return known && !field.RequiresRestart
}

// --- API 脱敏配置视图 ---

// SanitizedConfig 返回脱敏后的配置
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	data, err := json.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	redactSensitiveFields(result)
	return result
}

var sensitiveKeys = []string{"password", "api_key", "apikey", "secret", "token", "credential", "dsn"}

func redactSensitiveFields(data map[string]any) {
	for key, value := range data {
		if nested, ok := value.(map[string]any); ok {
			redactSensitiveFields(nested)
			continue
		}
		lowerKey := strings.ToLower(key)
		for _, sk := range sensitiveKeys {
			if strings.Contains(lowerKey, sk) {
				if str, ok := value.(string); ok && str != "" {
					data[key] = "[REDACTED]"
				}
				break
			}
		}
	}
}
