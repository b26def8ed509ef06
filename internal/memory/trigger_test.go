package memory

import "testing"

func TestShouldCompact(t *testing.T) {
	const (
		maxTokens = 8000
		window    = 10
	)

	tests := []struct {
		name  string
		stats *Stats
		want  bool
	}{
		{
			name:  "nil 统计不触发",
			stats: nil,
			want:  false,
		},
		{
			name:  "预算内不触发",
			stats: &Stats{TotalTokens: 7999, RecentMessageCount: 50},
			want:  false,
		},
		{
			name:  "刚到预算且消息足够",
			stats: &Stats{TotalTokens: 8000, RecentMessageCount: 11},
			want:  true,
		},
		{
			name:  "超预算但消息数等于窗口",
			stats: &Stats{TotalTokens: 20000, RecentMessageCount: 10},
			want:  false,
		},
		{
			name:  "超预算但消息数少于窗口",
			stats: &Stats{TotalTokens: 20000, RecentMessageCount: 3},
			want:  false,
		},
		{
			name:  "超预算且消息刚超窗口",
			stats: &Stats{TotalTokens: 9000, RecentMessageCount: 11},
			want:  true,
		},
		{
			name:  "压缩段占大头时同样按总量判断",
			stats: &Stats{CompressedTokens: 6000, RecentTokens: 2500, TotalTokens: 8500, RecentMessageCount: 20},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldCompact(tt.stats, maxTokens, window); got != tt.want {
				t.Fatalf("ShouldCompact(%+v) = %v, 期望 %v", tt.stats, got, tt.want)
			}
		})
	}
}

func TestShouldCompactIsIdempotent(t *testing.T) {
	stats := &Stats{TotalTokens: 9500, RecentMessageCount: 15}
	first := ShouldCompact(stats, 8000, 10)
	for i := 0; i < 5; i++ {
		if got := ShouldCompact(stats, 8000, 10); got != first {
			t.Fatalf("相同输入第 %d 次判断结果漂移: %v -> %v", i+1, first, got)
		}
	}
}
