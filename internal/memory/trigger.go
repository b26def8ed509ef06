package memory

// ShouldCompact 判断是否应当触发压缩, 纯函数、无副作用
//
// 两个条件同时满足才触发:
//  1. 总 Token 达到预算上限;
//  2. 未压缩消息条数多于保留窗口 —— 否则压缩后没有可保留的"最近消息",
//     超预算但过短的对话不压缩。
//
// 输入相同则结论相同, 无新消息时重复调用结果一致。
func ShouldCompact(stats *Stats, maxContextTokens, recentWindowSize int) bool {
	if stats == nil {
		return false
	}
	return stats.TotalTokens >= maxContextTokens && stats.RecentMessageCount > recentWindowSize
}
