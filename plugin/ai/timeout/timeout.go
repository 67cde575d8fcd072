// Package timeout defines centralized timeout constants for AI operations.
// Package timeout 定义 AI 操作的集中式超时常量。
package timeout

import "time"

// AI operation timeout constants.
// AI 操作超时常量。
const (
	// LLMRequestTimeout bounds a single completion request against one credential.
	// LLMRequestTimeout 是单个凭据上一次补全请求的超时时间。
	LLMRequestTimeout = 90 * time.Second

	// ChatTurnTimeout bounds a conversational turn including credential failover.
	// ChatTurnTimeout 是一次对话回合（含凭据切换）的超时时间。
	ChatTurnTimeout = 2 * time.Minute

	// DiaryStageTimeout bounds the synchronous diary stage of finalization.
	// DiaryStageTimeout 是结束会话时同步日记阶段的超时时间。
	DiaryStageTimeout = 3 * time.Minute

	// BackgroundStageTimeout bounds the detached activity and memory stages.
	// BackgroundStageTimeout 是后台活动与长期记忆阶段的超时时间。
	BackgroundStageTimeout = 5 * time.Minute

	// ShutdownGracePeriod is how long shutdown waits for background work to drain.
	// ShutdownGracePeriod 是关闭时等待后台任务完成的时间。
	ShutdownGracePeriod = 30 * time.Second

	// DefaultRetryAttempts is the number of generation attempts per chain.
	// DefaultRetryAttempts 是每条生成链的默认尝试次数。
	DefaultRetryAttempts = 3

	// DefaultRetryBaseDelay is multiplied by the attempt number between attempts.
	// DefaultRetryBaseDelay 乘以尝试序号作为两次尝试之间的等待时间。
	DefaultRetryBaseDelay = 200 * time.Millisecond

	// MaxTruncateLength is the maximum length for truncating strings in logs.
	// MaxTruncateLength 是日志中字符串截断的最大长度。
	MaxTruncateLength = 200
)

// Truncate shortens s to MaxTruncateLength runes for logging.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxTruncateLength {
		return s
	}
	return string(runes[:MaxTruncateLength]) + "..."
}
