// Package revalidate 计算缓存条目的过期时间，并维护路由级别的 revalidate 时长表。
//
// 时间统一以 Unix 毫秒表示；Deadline.Never 表示条目永不过期。
package revalidate
