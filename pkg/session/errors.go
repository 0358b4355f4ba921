package session

import "errors"

var (
	// ErrAlreadyInProgress 同类子协议会话已在进行
	ErrAlreadyInProgress = errors.New("operation already in progress")
	// ErrDeviceReportedError 设备上报失败
	ErrDeviceReportedError = errors.New("device reported error")
	// ErrResponseTooShort 应答负载不足协议最小长度
	ErrResponseTooShort = errors.New("response too short")
	// ErrMalformed 通知负载无法按协议解析
	ErrMalformed = errors.New("malformed notification")
	// ErrBlockOutOfRange 设备请求的块号超出镜像范围
	ErrBlockOutOfRange = errors.New("block out of range")
	// ErrRefreshTimeout 面板刷新超时
	ErrRefreshTimeout = errors.New("refresh timeout")
	// ErrReset 会话被重置（断链或主动取消）
	ErrReset = errors.New("session reset")
)
