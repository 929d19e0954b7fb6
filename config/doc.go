// Package config 提供 connpool 的配置管理功能。
//
// 包含配置加载、文件监听、热重载、配置 API 和变更历史管理。
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// 连接池参数可在运行时通过 HotReloadManager 在线生效。
package config
