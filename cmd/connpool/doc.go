// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 connpool 服务端程序入口。

# 概述

cmd/connpool 打开一个分区连接池，并在同一个 HTTP 端口上暴露健康检查、
统计快照、Prometheus 指标与受保护的配置 API。程序支持 YAML 配置文件与
CONNPOOL_ 前缀的环境变量、结构化日志（zap）、OpenTelemetry 以及配置热重载。

# 核心类型

  - Server           — 持有连接池、可选的 GORM 层、热更新管理器与 HTTP 服务
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、probe（并发借出连接并打印统计）、version、health
  - 端点：/health、/healthz、/stats、/metrics、/version、/api/v1/config/*
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing、MetricsMiddleware、RateLimiter（基于 IP）
  - 配置热重载：连接池参数经 Pool.Reconfigure 在线生效，日志级别经
    zap.AtomicLevel 调整；回调失败或手动回滚时恢复旧值
  - 优雅关闭：信号 → 停止热更新 → 关闭 HTTP → 关闭 GORM → 关闭连接池 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
