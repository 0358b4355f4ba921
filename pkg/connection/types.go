package connection

import (
	"time"

	"github.com/junbin-yang/inklink-go/pkg/transport"
)

// 连接状态
const (
	StateDisconnected State = iota // 未连接
	StateConnecting                // 首次连接中
	StateConnected                 // 已连接
	StateReconnecting              // 断链后等待重连
)

// State 连接生命周期状态
type State int32

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// Options 连接管理参数
type Options struct {
	ReconnectDelay       time.Duration // 重连基础延迟，实际延迟=基础延迟*(已尝试次数+1)
	MaxReconnectAttempts int           // 自动重连次数上限，超过后进入终态
	GattMaxRetries       int           // 瞬时忙的发送重试次数
	GattRetryDelay       time.Duration // 两次发送重试之间的等待
	ConnectTimeout       time.Duration // 单次连接（含重连）的超时
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		ReconnectDelay:       2000 * time.Millisecond,
		MaxReconnectAttempts: 3,
		GattMaxRetries:       3,
		GattRetryDelay:       100 * time.Millisecond,
		ConnectTimeout:       10 * time.Second,
	}
}

// StatusListener 连接状态回调集合，字段为nil时跳过
// 回调在管理器内部线程触发，实现方不可阻塞过久
type StatusListener struct {
	OnConnected    func(dev transport.DeviceHandle)
	OnDisconnected func(err error)
	OnReconnecting func(attempt int, delay time.Duration)
	// OnTerminated 重连额度耗尽，设备句柄已清空，不再自动重连
	OnTerminated func()
	// OnNotify 设备上行通知（数据只在回调内有效）
	OnNotify func(data []byte)
}
