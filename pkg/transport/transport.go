// Package transport 定义到面板设备的链路抽象。
// 连接管理器只依赖本包接口，具体介质（BLE、TCP桥、环回）由子包适配。
package transport

import "context"

// DeviceHandle 一次扫描发现的设备句柄，可用于后续连接
type DeviceHandle interface {
	// Name 广播名
	Name() string
	// Address 设备地址（MAC或网络地址）
	Address() string
}

// Link 已建立的双向链路：下行写命令，上行收通知
//
// Write为瞬时忙（ErrBusy）时允许调用方重试；其余错误视为链路故障。
// Subscribe注册的回调在链路自身的接收线程上触发，回调内的数据缓冲
// 只在本次调用内有效，需要留存时必须拷贝。
type Link interface {
	Write(data []byte) error
	Subscribe(fn func(data []byte))
	// SetDisconnectHandler 注册链路意外断开的回调
	// 主动Close不触发
	SetDisconnectHandler(fn func(err error))
	Close() error
}

// Transport 链路介质适配器
type Transport interface {
	// Discover 按名称前缀扫描设备，任一前缀命中即返回
	// 参数：
	//   - ctx: 扫描超时/取消控制
	//   - filters: 名称前缀列表（已去空白，非空）
	// 返回：
	//   - 第一台匹配设备；ctx取消返回ErrCancelled
	Discover(ctx context.Context, filters []string) (DeviceHandle, error)

	// Connect 连接指定设备并完成服务发现
	Connect(ctx context.Context, dev DeviceHandle) (Link, error)
}

// MatchPrefix 判断设备名是否命中任一前缀（空名不匹配）
func MatchPrefix(name string, filters []string) bool {
	if name == "" {
		return false
	}
	for _, f := range filters {
		if len(name) >= len(f) && name[:len(f)] == f {
			return true
		}
	}
	return false
}
