package transport

import "errors"

var (
	// ErrBusy 瞬时忙错误，发送方可短暂等待后重试
	ErrBusy = errors.New("transport busy")
	// ErrNotFound 扫描结束未发现匹配设备
	ErrNotFound = errors.New("device not found")
	// ErrCancelled 扫描或连接被调用方取消
	ErrCancelled = errors.New("operation cancelled")
	// ErrClosed 链路已关闭
	ErrClosed = errors.New("link closed")
)
