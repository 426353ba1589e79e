// Package sqldb 提供基于 database/sql 的持久化实现，支持 MySQL 与 SQLite 两种驱动。
// 它负责连接池、嵌入式迁移，以及托管钱包、用户名索引与执行流水的读写。
package sqldb
