package devconfig

import "errors"

var (
	// ErrBlobTooShort 配置数据不足最小帧长（长度+版本+校验）
	ErrBlobTooShort = errors.New("config blob too short")
	// ErrChecksumMismatch 校验和不匹配（警告级，不阻断解析结果交付）
	ErrChecksumMismatch = errors.New("config blob checksum mismatch")
	// ErrLengthMismatch 声明长度与实际字节数不一致（警告级）
	ErrLengthMismatch = errors.New("config blob length mismatch")
	// ErrUnknownField 结构表中没有该字段
	ErrUnknownField = errors.New("unknown field")
	// ErrFieldOutOfRange 字段位置超出报文负载
	ErrFieldOutOfRange = errors.New("field out of range")
)
