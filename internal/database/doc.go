// 版权所有 2026 HeadshotFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库打开与连接池管理，
支撑账本（账目与结算）的持久化存储。

# 概述

本包通过 Open 按驱动类型（postgres/mysql/sqlite）构建 GORM 实例，
再由 PoolManager 封装 database/sql 的连接池配置，统一管理连接
生命周期、空闲回收与最大连接数限制。后台健康检查定时探活，
并通过回调向指标收集器上报连接数。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时与健康检查间隔。
  - PoolStats：友好格式的连接池统计信息。
  - StatsFunc：连接数上报回调类型。
*/
package database
