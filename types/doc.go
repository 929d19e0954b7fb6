// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 connpool 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 pool、backend、config
等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 Retryable、Partition 标记与 Cause 链

# 主要能力

  - 错误码比较：*Error 实现 Is，按错误码匹配哨兵错误，
    因此带 Cause 的新实例依然满足 errors.Is(err, pool.ErrAcquireTimeout)。
  - 辅助函数：IsRetryable / GetErrorCode 支持 errors.As 解包。
*/
package types
