// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供连接池测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 连接池辅助: FastConfig 返回关闭后台清扫的单分区配置，
    NewTestPool 创建连接池并在测试结束时关闭
  - 断言工具: AssertJSONEqual / AssertNoError / AssertError / AssertContains
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待后台 goroutine 的结果

# 子包

  - testutil/mocks: MockConnector 与 MockConn，支持连接失败、
    探活失败、语句延迟与 SQLSTATE 错误注入

# 使用示例

	connector := mocks.NewMockConnector().WithExecDelay(300 * time.Millisecond)
	p := testutil.NewTestPool(t, connector, testutil.FastConfig())
	h, err := p.Acquire(testutil.TestContext(t))
	testutil.AssertNoError(t, err)
*/
package testutil
