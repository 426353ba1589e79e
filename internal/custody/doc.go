// Package custody 管理托管钱包：生成、导入、加密存储与按需解密。
//
// 私钥以 AES-256-GCM 加密后落盘，密钥由 ENCRYPTION_SECRET 派生，
// 解密只发生在签名前的一瞬间。用户的 @handle 也登记在这里，
// 供聊天内转账解析收款地址。
package custody
