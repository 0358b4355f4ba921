package protocol

import "errors"

var (
	// 帧解码错误
	ErrFrameTooShort = errors.New("notification frame too short")
	ErrInvalidHex    = errors.New("invalid hex string")

	// DFU解码错误
	ErrBlockRequestTooShort = errors.New("block request payload too short")
)
