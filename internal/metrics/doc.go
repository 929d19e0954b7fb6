// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的连接池与管理端 HTTP 指标采集。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。Collector 内嵌 pool.BaseHook，
作为 pool.MultiHook 的观察者接收连接生命周期事件，不影响主 Hook 的决策。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 向量。

# 主要能力

  - HTTP 指标：请求总数与耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 连接生命周期：创建、销毁、借出、归还计数，按分区分组。
  - 连接健康：慢语句、疑似损坏、致命 SQLSTATE 计数。
  - 快照导出：RecordStats 把 pool.Statistics 写入分区 Gauge 与
    重试预算、平均等待、语句缓存命中率等池级 Gauge。
*/
package metrics
