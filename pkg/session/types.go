package session

import (
	"fmt"
	"time"
)

// 子协议时序常量
const (
	// 配置分块写入的逐块间隔（开环节流，不等确认）
	configChunkDelay = 150 * time.Millisecond
	// DFU块确认后到首个分片之间的静默期
	dfuSettleDelay = 50 * time.Millisecond
	// DFU分片被设备报错后的重发间隔
	dfuPartRetryDelay = 100 * time.Millisecond
	// 直写协议在途未确认块上限
	pipelineDepth = 1
	// 直写进度回调的块间隔
	imageProgressStep = 10
)

// 警告类别
const (
	WarnLengthMismatch   WarningKind = iota // 拼接长度与声明总长不一致
	WarnChecksumMismatch                    // 校验和不一致
)

// WarningKind 警告级异常类别，不阻断结果交付
type WarningKind int

func (k WarningKind) String() string {
	switch k {
	case WarnLengthMismatch:
		return "LENGTH_MISMATCH"
	case WarnChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// Warning 一条带上下文的警告
type Warning struct {
	Kind   WarningKind
	Detail string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Detail)
}

// VersionInfo 固件版本应答
type VersionInfo struct {
	Major byte
	Minor byte
	Sha   string // 构建哈希（ASCII，可能被设备截断）
}

func (v VersionInfo) String() string {
	if v.Sha == "" {
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	}
	return fmt.Sprintf("%d.%d (%s)", v.Major, v.Minor, v.Sha)
}

// DfuProgress 固件传输进度
type DfuProgress struct {
	Block       int // 当前块号
	TotalBlocks int
	Part        int // 当前块内已确认的分片数
	TotalParts  int // 当前块的分片总数（块帧尚未展开时为0）
}

// ImageResult 直写会话的统计结果
type ImageResult struct {
	Compressed      bool
	Chunks          int           // 实际分块数
	UploadDuration  time.Duration // 数据上传阶段耗时
	RefreshDuration time.Duration // 面板刷新阶段耗时
	TotalDuration   time.Duration
}

// ConfigReadResult 配置读取结果
type ConfigReadResult struct {
	Data     []byte
	Warnings []Warning
}

// Listener 引擎的持久回调集合，字段为nil时跳过
// 回调在引擎分发线程上触发，实现方不得阻塞、不得在回调内发起阻塞式会话
type Listener struct {
	// OnConfigProgress 配置读取进度 (已收字节, 声明总长)
	OnConfigProgress func(received, total int)
	// OnVersion 版本应答（含主动查询与设备自行上报）
	OnVersion func(v VersionInfo)
	// OnGenericAck 通用命令确认，payload为设备附带数据
	OnGenericAck func(payload []byte)
	// OnGenericError 通用错误通知，err恒为ErrDeviceReportedError
	OnGenericError func(err error)
	// OnDfuProgress 固件传输进度
	OnDfuProgress func(p DfuProgress)
	// OnImageProgress 直写进度 (已发块数, 总块数)
	OnImageProgress func(sent, total int)
	// OnUnhandled 所有内建处理器都未消费的通知
	OnUnhandled func(respType, command byte, payload []byte)
}
