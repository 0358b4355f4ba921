package protocol

import (
	"encoding/binary"
	"fmt"
)

// BlockRequest DFU块请求（设备→主机）
// 线上布局：{checksum:1, version:8, blockId:1, type:1, requestedParts:6}
type BlockRequest struct {
	Checksum       byte
	Version        uint64 // 固件版本号，线上为大端字节逆序存放，等价于按小端读取
	BlockID        int
	Type           byte
	RequestedParts uint64 // 48位位域，每位对应一个分片
}

// DecodeBlockRequest 解码块请求负载
func DecodeBlockRequest(payload []byte) (*BlockRequest, error) {
	if len(payload) < BlockRequestSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockRequestTooShort, len(payload))
	}

	req := &BlockRequest{
		Checksum: payload[0],
		Version:  binary.LittleEndian.Uint64(payload[1:9]),
		BlockID:  int(payload[9]),
		Type:     payload[10],
	}
	// 48位位域按小端逐字节拼装
	for i := 0; i < 6; i++ {
		req.RequestedParts |= uint64(payload[11+i]) << (8 * i)
	}
	return req, nil
}

// Encode 编码块请求负载（校验字节为其余16字节的Sum8）
func (r *BlockRequest) Encode() []byte {
	buf := make([]byte, BlockRequestSize)
	binary.LittleEndian.PutUint64(buf[1:9], r.Version)
	buf[9] = byte(r.BlockID)
	buf[10] = r.Type
	for i := 0; i < 6; i++ {
		buf[11+i] = byte(r.RequestedParts >> (8 * i))
	}
	buf[0] = Sum8(buf[1:])
	return buf
}

func (r *BlockRequest) String() string {
	return fmt.Sprintf("block=%d type=0x%02X version=%d parts=0x%012X", r.BlockID, r.Type, r.Version, r.RequestedParts)
}

// TotalBlocks 计算镜像按块窗口切分后的总块数
func TotalBlocks(imageLen int) int {
	if imageLen <= 0 {
		return 0
	}
	return (imageLen + DfuBlockSize - 1) / DfuBlockSize
}

// BuildBlockFrame 将一个块的数据封装为块帧：{lenLo, lenHi, crcLo, crcHi, data...}
// 头部校验为数据字节的16位加法和（Sum16），长度与校验均为小端
func BuildBlockFrame(data []byte) []byte {
	frame := make([]byte, DfuBlockHeaderSize+len(data))
	binary.LittleEndian.PutUint16(frame[0:2], uint16(len(data)))
	binary.LittleEndian.PutUint16(frame[2:4], Sum16(data))
	copy(frame[DfuBlockHeaderSize:], data)
	return frame
}

// ParseBlockFrame 解析块帧头部，返回声明长度、校验值与数据
// 模拟器与测试用于校验主机发出的块
func ParseBlockFrame(frame []byte) (length int, crc uint16, data []byte, err error) {
	if len(frame) < DfuBlockHeaderSize {
		return 0, 0, nil, fmt.Errorf("block frame too short: %d bytes", len(frame))
	}
	length = int(binary.LittleEndian.Uint16(frame[0:2]))
	crc = binary.LittleEndian.Uint16(frame[2:4])
	data = frame[DfuBlockHeaderSize:]
	return length, crc, data, nil
}

// BuildPartFrame 封装块分片帧：{checksum, blockId, partIndex, data}
// 数据不足DfuPartDataSize时右侧补零，帧长恒为DfuPartFrameSize；
// 校验字节为checksum之后所有字节的Sum8
func BuildPartFrame(blockID, partIndex int, data []byte) []byte {
	frame := make([]byte, DfuPartFrameSize)
	frame[1] = byte(blockID)
	frame[2] = byte(partIndex)
	copy(frame[3:], data)
	frame[0] = Sum8(frame[1:])
	return frame
}

// SplitBlockParts 将块帧按分片大小切分并逐片封装
func SplitBlockParts(blockID int, blockFrame []byte) [][]byte {
	var parts [][]byte
	for index, off := 0, 0; off < len(blockFrame); index, off = index+1, off+DfuPartDataSize {
		end := off + DfuPartDataSize
		if end > len(blockFrame) {
			end = len(blockFrame)
		}
		parts = append(parts, BuildPartFrame(blockID, index, blockFrame[off:end]))
	}
	return parts
}
