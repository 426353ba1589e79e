// Package agent 实现对话调度器：把 Telegram 消息与按钮回调转换为动作，
// 在多轮对话中收集缺失参数，并在参数齐全后交给执行引擎。
package agent
