// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 sqldriver 基于 database/sql/driver 实现连接池的后端连接能力。

# 概述

Connector 将任意 driver.Connector / driver.Driver 适配为 pool.Connector，
Conn 将 driver.Conn 适配为 pool.Conn。内置 mysql（go-sql-driver/mysql）与
postgres / pgx（jackc/pgx stdlib）后端，其余驱动通过 database/sql 注册表查找。

Bridge 反向工作：把 *pool.Pool 暴露为 driver.Connector，使 sql.OpenDB
与 gorm 直接运行在连接池之上。

# 错误分类

驱动错误会被包装为携带 SQLSTATE 的错误：MySQL 错误取自 MySQLError.SQLState，
driver.ErrBadConn 映射为 08003，pgconn.PgError 原样保留。
*/
package sqldriver
