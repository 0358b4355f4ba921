package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Command 主机→设备的命令帧
// 构造后不可变，同一帧至多发送一次（传输层繁忙重试不改变内容）
type Command struct {
	ID      uint16
	Payload []byte
}

// NewCommand 创建命令帧（负载深拷贝，与调用方缓冲区解耦）
func NewCommand(id uint16, payload []byte) *Command {
	c := &Command{ID: id}
	if len(payload) > 0 {
		c.Payload = append([]byte(nil), payload...)
	}
	return c
}

// Encode 编码为线上字节：2字节大端命令字 + 负载
func (c *Command) Encode() []byte {
	buf := make([]byte, 2+len(c.Payload))
	binary.BigEndian.PutUint16(buf[0:2], c.ID)
	copy(buf[2:], c.Payload)
	return buf
}

// Hex 返回完整帧的十六进制表示
func (c *Command) Hex() string {
	return hex.EncodeToString(c.Encode())
}

func (c *Command) String() string {
	return fmt.Sprintf("%s(0x%04X) payload=%d", CommandName(c.ID), c.ID, len(c.Payload))
}

// Notification 设备→主机的通知帧
type Notification struct {
	ResponseType byte   // 0x00成功/数据，0xFF设备错误
	Command      byte   // 操作码
	Payload      []byte // 剩余负载
	Raw          []byte // 完整原始帧（部分固件字节序不稳，保留以供兜底匹配）
}

// DecodeNotification 解码通知帧
// 帧长不足2字节视为非法帧
func DecodeNotification(data []byte) (*Notification, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	raw := append([]byte(nil), data...)
	return &Notification{
		ResponseType: raw[0],
		Command:      raw[1],
		Payload:      raw[2:],
		Raw:          raw,
	}, nil
}

// IsError 是否为设备上报的错误帧
func (n *Notification) IsError() bool {
	return n.ResponseType == RespErr
}

func (n *Notification) String() string {
	return fmt.Sprintf("%s(%02X,%02X) payload=%d", NotifyName(n.ResponseType, n.Command), n.ResponseType, n.Command, len(n.Payload))
}

// EncodeHex 字节转十六进制字符串
func EncodeHex(data []byte) string {
	return hex.EncodeToString(data)
}

// DecodeHex 十六进制字符串转字节
func DecodeHex(s string) ([]byte, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return data, nil
}
