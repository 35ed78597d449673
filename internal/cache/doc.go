// Package cache 定义增量缓存的存储后端契约及其实现。
//
// 每个后端实现 Handler：按 key 读取 Entry、写入 Value、按标签失效、清理请求级
// 状态。内置实现包括文件系统（带内存层与标签清单）、远端 suspense-cache HTTP
// 服务、Redis 自定义后端以及 no-op。后端通过 Registry 在构造期按优先级解析，
// 不存在包级全局状态；进程级共享的内存层与标签清单由调用方构造后注入。
package cache
