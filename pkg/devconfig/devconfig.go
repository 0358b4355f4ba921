// Package devconfig 实现面板配置数据的编解码。
// 线上布局：{length u16小端, version u8, 若干报文, crc u16小端}，
// crc为CRC16-CCITT，覆盖除自身外的全部字节。
// 解析采取尽力而为策略：长度或校验不匹配只产生警告，结果照常交付。
package devconfig

import (
	"encoding/binary"
	"fmt"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
	"github.com/junbin-yang/inklink-go/pkg/schema"
)

// 帧头（长度2+版本1）与帧尾（校验2）
const (
	headerSize = 3
	crcSize    = 2
	minSize    = headerSize + crcSize
)

// Packet 配置内的单条报文
// 负载长度由外部结构表按ID查得
type Packet struct {
	Number  byte
	ID      byte
	Payload []byte
}

// Blob 一份完整的面板配置
//
// Rest保存定长遍历停止后剩余的未解析字节（未登记或变长报文），
// 编码时原样回写，保证往返不丢数据。
// Warnings记录解析期间的警告（ErrChecksumMismatch / ErrLengthMismatch）。
type Blob struct {
	Length   uint16
	Version  byte
	Packets  []Packet
	Rest     []byte
	Crc      uint16
	Warnings []error
}

// Decode 解析配置数据
//
// 参数：
//
//	data：完整配置字节（通常来自配置读取会话的拼接结果）
//	table：报文结构表，决定每种报文的负载长度
//
// 返回：
//
//	解析结果；仅当数据不足最小帧长时返回ErrBlobTooShort，
//	其余异常以Blob.Warnings形式附在结果上
func Decode(data []byte, table *schema.Table) (*Blob, error) {
	if len(data) < minSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlobTooShort, len(data))
	}

	blob := &Blob{
		Length:  binary.LittleEndian.Uint16(data[0:2]),
		Version: data[2],
		Crc:     binary.LittleEndian.Uint16(data[len(data)-crcSize:]),
	}

	if computed := protocol.Crc16Ccitt(data[:len(data)-crcSize]); computed != blob.Crc {
		blob.Warnings = append(blob.Warnings,
			fmt.Errorf("%w: declared 0x%04X computed 0x%04X", ErrChecksumMismatch, blob.Crc, computed))
	}
	if int(blob.Length) != len(data) {
		blob.Warnings = append(blob.Warnings,
			fmt.Errorf("%w: declared %d actual %d", ErrLengthMismatch, blob.Length, len(data)))
	}

	// 定长遍历报文区，遇到未登记/变长ID或残缺报文即停止，
	// 剩余字节进Rest等待原样回写
	off, end := headerSize, len(data)-crcSize
	for off+2 <= end {
		number, id := data[off], data[off+1]
		size := table.SizeOf(id)
		if size == nil || off+2+*size > end {
			break
		}
		payload := make([]byte, *size)
		copy(payload, data[off+2:off+2+*size])
		blob.Packets = append(blob.Packets, Packet{Number: number, ID: id, Payload: payload})
		off += 2 + *size
	}
	if off < end {
		blob.Rest = make([]byte, end-off)
		copy(blob.Rest, data[off:end])
	}
	return blob, nil
}

// Encode 编码为线上格式
// 长度与校验按编码后的实际内容重新计算，不使用结构体内的旧值
func (b *Blob) Encode() []byte {
	total := minSize + len(b.Rest)
	for i := range b.Packets {
		total += 2 + len(b.Packets[i].Payload)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, 0, 0, b.Version)
	for i := range b.Packets {
		buf = append(buf, b.Packets[i].Number, b.Packets[i].ID)
		buf = append(buf, b.Packets[i].Payload...)
	}
	buf = append(buf, b.Rest...)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(total))

	crc := protocol.Crc16Ccitt(buf)
	buf = append(buf, byte(crc), byte(crc>>8))
	return buf
}

// Packet 按报文ID查找第一条匹配的报文，不存在返回nil
func (b *Blob) Packet(id byte) *Packet {
	for i := range b.Packets {
		if b.Packets[i].ID == id {
			return &b.Packets[i]
		}
	}
	return nil
}

// Field 按结构表取出命名字段的字节切片（引用负载，修改会生效）
func (p *Packet) Field(table *schema.Table, name string) ([]byte, error) {
	def := table.Field(p.ID, name)
	if def == nil {
		return nil, fmt.Errorf("%w: packet 0x%02X field %q", ErrUnknownField, p.ID, name)
	}
	if def.Offset < 0 || def.Offset+def.Size > len(p.Payload) {
		return nil, fmt.Errorf("%w: packet 0x%02X field %q [%d:%d] payload %d bytes",
			ErrFieldOutOfRange, p.ID, name, def.Offset, def.Offset+def.Size, len(p.Payload))
	}
	return p.Payload[def.Offset : def.Offset+def.Size], nil
}

// SetField 写入命名字段，value长度必须与字段定义一致
func (p *Packet) SetField(table *schema.Table, name string, value []byte) error {
	field, err := p.Field(table, name)
	if err != nil {
		return err
	}
	if len(value) != len(field) {
		return fmt.Errorf("%w: packet 0x%02X field %q expects %d bytes, got %d",
			ErrFieldOutOfRange, p.ID, name, len(field), len(value))
	}
	copy(field, value)
	return nil
}

// Uint 以小端整数读取命名字段（1/2/4字节），CLI查询用
func (p *Packet) Uint(table *schema.Table, name string) (uint32, error) {
	field, err := p.Field(table, name)
	if err != nil {
		return 0, err
	}
	if len(field) > 4 {
		return 0, fmt.Errorf("%w: packet 0x%02X field %q too wide for uint", ErrFieldOutOfRange, p.ID, name)
	}
	var v uint32
	for i := len(field) - 1; i >= 0; i-- {
		v = v<<8 | uint32(field[i])
	}
	return v, nil
}
