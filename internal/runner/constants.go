package runner

const (
	// Channel 缓冲
	CANDIDATE_CHANNEL_SIZE = 64 // 波动候选队列，满时丢弃新候选

	// 看门狗
	REST_FAILURE_THRESHOLD  = 3 // REST 连续失败次数进入安全模式
	REST_RECOVERY_THRESHOLD = 2 // 连续成功次数退出安全模式
	STREAM_CHECK_SECONDS    = 10

	// 停机时等待协程退出的上限(秒)
	SHUTDOWN_TIMEOUT_SECONDS = 30
)
