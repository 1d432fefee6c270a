// 版权所有 2026 HeadshotFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
生成任务、提供商尝试、提供商健康与数据库四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，实现编排器的 Observer 接口，
    持有 Counter、Histogram、Gauge 等 Prometheus 向量指标。

# 主要能力

  - 任务指标：结算总数、任务耗时、结算花费（USD），
    按 provider/outcome 分组。
  - 尝试指标：提供商尝试总数与延迟、鉴权失败计数，
    按 provider/outcome 分组。
  - 健康指标：提供商健康状态 Gauge，接线到健康监控的状态变更回调。
  - 数据库指标：活跃/空闲连接数 Gauge，按 database 分组。
*/
package metrics
