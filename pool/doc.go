// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 pool 提供分区化、可自愈的数据库连接池核心。

# 概述

pool 将后端连接抽象为 Conn 能力接口，按分区（partition）管理空闲列表，
支持 FIFO / LIFO 出队策略，并通过后台协程完成过期淘汰、空闲探活与
分区补充，保证任何连接不会被同时借出两次，也不会被关闭两次。

# 核心类型

  - Pool — 连接池门面：Acquire / Release / Close / Stats / Reconfigure
  - Handle — 单个后端连接的状态机（空闲 → 借出 → 关闭），带关闭锁与语句缓存
  - Hook / BaseHook / MultiHook — 八个生命周期回调点及其默认实现
  - AcquireFailConfig — 池级共享的获取失败重试预算
  - Config — 分区数、上下限、超时、探活与重试参数

# 主要能力

  - 分区轮询：Acquire 轮询选择分区，扫描所有空闲列表，必要时按需创建或等待
  - 后台维护：每个分区一个最大存活期清扫协程、一个空闲探活协程、一个补充协程
  - 故障分类：按 SQLSTATE 识别致命错误，驱逐连接；数据库宕机时整体重建
  - 慢查询：超过 QueryExecuteTimeLimit 的语句触发回调并标记为可能损坏
  - 可观测性：zap 结构化日志、OpenTelemetry 追踪与获取等待直方图

# 重试预算

获取失败时的重试次数是整个池共享的计数器，按比较并递减的方式消耗，
不会在每次 Acquire 时重置，只有 Reconfigure 或 ResetAcquireRetry 才会恢复。
*/
package pool
