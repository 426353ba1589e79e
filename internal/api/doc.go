// Package api 提供 HTTP 入口：Telegram webhook、健康检查、Prometheus 指标以及
// 运维使用的执行流水查询接口。
package api
