package connection

import "errors"

var (
	// ErrNotConnected 链路未建立
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidFilter 名称前缀过滤串为空
	ErrInvalidFilter = errors.New("invalid device filter")
	// ErrSelectionCancelled 设备选择被取消
	ErrSelectionCancelled = errors.New("device selection cancelled")
	// ErrConnectInProgress 已有连接流程在进行
	ErrConnectInProgress = errors.New("connect already in progress")
	// ErrTransientBusy 瞬时忙重试额度耗尽
	ErrTransientBusy = errors.New("transient busy")
)
