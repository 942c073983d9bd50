// Package worker 实现单个站点的离线缓存 worker：Manager 管理 precache/runtime 两个分区，
// Router 将请求分类到 bypass / cache-first / network-first / navigate 之一，
// Worker 负责生命周期（install → activate）、控制消息以及 push/sync 通道。
//
// 每个 [[Site]] 配置块对应一个 Worker，实例之间不共享状态，Set 负责按名称索引。
package worker
