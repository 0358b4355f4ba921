package protocol

// Crc16Ccitt 计算CRC16-CCITT校验值
// 多项式0x1021，初值0xFFFF，无最终异或；空输入返回初值0xFFFF
func Crc16Ccitt(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Sum16 对所有字节累加并保留低16位
// 注意：DFU块帧头部使用的是加法校验，不是CRC16-CCITT
func Sum16(data []byte) uint16 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return uint16(sum & 0xFFFF)
}

// Sum8 对所有字节累加并保留低8位（DFU分片帧校验）
func Sum8(data []byte) byte {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return byte(sum & 0xFF)
}
