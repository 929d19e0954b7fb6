// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 在分区连接池之上运行 GORM，支持健康检查、
统计信息采集与事务重试。

# 概述

本包通过 PoolManager 把 pool.Pool 经 sqldriver.OpenDB 包装成 *sql.DB，
再交给 GORM。database/sql 不保留自己的空闲连接，每个 sql 连接都是
一次 Acquire/Release，空闲回收、探活与最大连接数完全由连接池负责。
后台健康检查定时探活，异常时通过 zap 日志输出诊断信息。

# 核心类型

  - PoolManager：持有 GORM DB、桥接 sql.DB 与底层连接池，
    提供 DB()、Pool()、Ping()、Stats()、Close() 等方法。
    Close 不关闭连接池，连接池由调用方负责。
  - PoolConfig：GORM 层配置，包含方言、健康检查间隔与超时、PrepareStmt。
  - PoolStats：合并 sql.DBStats 与连接池统计的快照。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 方言：postgres（pgx）、mysql、sqlite（纯 Go 驱动）。
  - 健康检查：后台定时 PingContext 探活。
  - 事务管理：WithTransaction 提供单次事务执行，
    WithTransactionRetry 支持指数退避重试（死锁、序列化失败等场景）。
*/
package database
