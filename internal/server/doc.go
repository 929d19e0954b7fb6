// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 connpool 管理端 HTTP 服务器的生命周期管理，支持非阻塞启动、
连接数限制与优雅关闭。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程。/metrics、/health、/stats 与配置 API
都挂在同一个 Manager 上。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown/WaitForShutdown
    等生命周期方法。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小、优雅关闭超时与最大连接数。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 连接数限制：MaxConnections > 0 时使用 netutil.LimitListener。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放。
  - 信号处理：WaitForShutdown 等待 ctx 结束（通常来自
    signal.NotifyContext）或服务异常退出，然后触发优雅关闭。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
*/
package server
