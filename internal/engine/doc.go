// Package engine 执行转账、兑换与跨链桥操作。
//
// 每次执行都会先校验参数与余额，再通过 web3.Submitter 构建、签名、广播并确认交易。
// 失败不会以 error 返回，而是归类为 ExecutionResult 中的状态，供对话层直接展示。
package engine
