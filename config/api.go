// config 包的 HTTP 配置管理 API。
//
// 提供配置查询、局部更新、热重载触发与变更历史查询能力。
package config

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// --- API 类型定义 ---

// ConfigAPIHandler 处理配置 API 请求
type ConfigAPIHandler struct {
	manager *HotReloadManager
}

// Response 配置 API 统一响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo 错误详情
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// configData 是 Response.Data 的内部结构
type configData struct {
	Message         string                        `json:"message,omitempty"`
	Config          map[string]any                `json:"config,omitempty"`
	Version         int                           `json:"version,omitempty"`
	Fields          map[string]HotReloadableField `json:"fields,omitempty"`
	Changes         []ConfigChange                `json:"changes,omitempty"`
	RequiresRestart bool                          `json:"requires_restart,omitempty"`
}

// --- API 处理器实现 ---

// NewConfigAPIHandler 创建配置 API 处理器
func NewConfigAPIHandler(manager *HotReloadManager) *ConfigAPIHandler {
	return &ConfigAPIHandler{manager: manager}
}

// RegisterRoutes 注册配置 API 路由，apiKey 非空时所有路由需要 X-API-Key
func (h *ConfigAPIHandler) RegisterRoutes(mux *http.ServeMux, apiKey string) {
	auth := NewConfigAPIMiddleware(apiKey)
	mux.HandleFunc("/api/v1/config", auth.RequireAuth(h.HandleConfig))
	mux.HandleFunc("/api/v1/config/reload", auth.RequireAuth(h.HandleReload))
	mux.HandleFunc("/api/v1/config/fields", auth.RequireAuth(h.HandleFields))
	mux.HandleFunc("/api/v1/config/changes", auth.RequireAuth(h.HandleChanges))
}

// HandleConfig GET 返回脱敏配置，PUT 合并局部配置并应用
func (h *ConfigAPIHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getConfig(w)
	case http.MethodPut:
		h.updateConfig(w, r)
	default:
		methodNotAllowed(w, r)
	}
}

func (h *ConfigAPIHandler) getConfig(w http.ResponseWriter) {
	writeAPIJSON(w, http.StatusOK, Response{
		Success: true,
		Data: configData{
			Message: "Configuration retrieved successfully",
			Config:  h.manager.SanitizedConfig(),
			Version: h.manager.GetCurrentVersion(),
		},
		Timestamp: time.Now(),
	})
}

// updateConfig 请求体是 Config 的 JSON 子集，例如
// {"pool": {"max_connections_per_partition": 20}}。时长字段以纳秒表示。
func (h *ConfigAPIHandler) updateConfig(w http.ResponseWriter, r *http.Request) {
	next := h.manager.GetConfig()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := next.Validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}

	changes := h.manager.Diff(next)
	if err := h.manager.ApplyConfig(next, "api"); err != nil {
		writeAPIError(w, http.StatusUnprocessableEntity, "APPLY_FAILED", err.Error())
		return
	}

	var requiresRestart bool
	for _, c := range changes {
		requiresRestart = requiresRestart || c.RequiresRestart
	}

	writeAPIJSON(w, http.StatusOK, Response{
		Success: true,
		Data: configData{
			Message:         "Configuration updated successfully",
			Config:          h.manager.SanitizedConfig(),
			Version:         h.manager.GetCurrentVersion(),
			Changes:         changes,
			RequiresRestart: requiresRestart,
		},
		Timestamp: time.Now(),
	})
}

// HandleReload POST 从配置文件重新加载
func (h *ConfigAPIHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}

	if err := h.manager.ReloadFromFile(); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			fmt.Sprintf("Failed to reload configuration: %v", err))
		return
	}

	writeAPIJSON(w, http.StatusOK, Response{
		Success: true,
		Data: configData{
			Message: "Configuration reloaded successfully",
			Config:  h.manager.SanitizedConfig(),
			Version: h.manager.GetCurrentVersion(),
		},
		Timestamp: time.Now(),
	})
}

// HandleFields GET 返回字段注册表
func (h *ConfigAPIHandler) HandleFields(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}

	writeAPIJSON(w, http.StatusOK, Response{
		Success: true,
		Data: configData{
			Message: "Hot reloadable fields retrieved",
			Fields:  GetHotReloadableFields(),
		},
		Timestamp: time.Now(),
	})
}

// HandleChanges GET 返回最近的变更，?limit= 默认 50
func (h *ConfigAPIHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	changes := h.manager.GetChangeLog(limit)
	writeAPIJSON(w, http.StatusOK, Response{
		Success: true,
		Data: configData{
			Message: fmt.Sprintf("Retrieved %d configuration changes", len(changes)),
			Changes: changes,
		},
		Timestamp: time.Now(),
	})
}

// --- 辅助方法 ---

// writeAPIJSON 先序列化再写出，避免写了一半的响应
func writeAPIJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	buf, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeAPIJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		fmt.Sprintf("Method %s not allowed", r.Method))
}

// --- 中间件 ---

// ConfigAPIMiddleware 配置 API 中间件
type ConfigAPIMiddleware struct {
	apiKey string
}

// NewConfigAPIMiddleware 创建中间件，apiKey 为空时不做认证
func NewConfigAPIMiddleware(apiKey string) *ConfigAPIMiddleware {
	return &ConfigAPIMiddleware{apiKey: apiKey}
}

// RequireAuth 校验 X-API-Key 请求头。不接受 query 参数传递密钥。
func (m *ConfigAPIMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.apiKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(m.apiKey)) != 1 {
				writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
				return
			}
		}
		next(w, r)
	}
}

// LogRequests 记录请求方法、路径、状态码与耗时
func LogRequests(next http.Handler, record func(method, path string, status int, duration time.Duration)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if record != nil {
			record(r.Method, r.URL.Path, wrapped.status, time.Since(start))
		}
	})
}

// responseWriter 捕获状态码
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
