// 版权所有 2026 HeadshotFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 main 是 headshotflow 服务入口，提供 serve、version、health
三个子命令。serve 装配提供商适配器、成本模型、预算门、健康监控
与编排器，并暴露任务提交 API 与 Prometheus 指标端口。
*/
package main
