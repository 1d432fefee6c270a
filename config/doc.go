// Package config 提供 HeadshotFlow 的配置管理功能。
//
// 支持从默认值、YAML 文件和环境变量加载配置。
// 配置在进程启动时一次性固化，运行期不可变。
package config
