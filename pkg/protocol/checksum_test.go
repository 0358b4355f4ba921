package protocol

import (
	"log"
	"testing"
)

// 启用测试日志，方便定位问题
func init() {
	log.SetFlags(log.Lmicroseconds | log.Lshortfile)
}

// 测试CRC16-CCITT标准校验向量
func TestCrc16Ccitt_KnownVector(t *testing.T) {
	// "123456789" 是CCITT-FALSE的标准校验串
	got := Crc16Ccitt([]byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("CRC16标准向量不匹配: 预期 0x29B1, 实际 0x%04X", got)
	}
}

// 测试空输入返回初值
func TestCrc16Ccitt_Empty(t *testing.T) {
	if got := Crc16Ccitt(nil); got != 0xFFFF {
		t.Fatalf("空输入CRC应为初值0xFFFF, 实际 0x%04X", got)
	}
	if got := Crc16Ccitt([]byte{}); got != 0xFFFF {
		t.Fatalf("空切片CRC应为初值0xFFFF, 实际 0x%04X", got)
	}
}

// 测试单字节差异会改变校验值
func TestCrc16Ccitt_Sensitivity(t *testing.T) {
	a := Crc16Ccitt([]byte{0x01, 0x02, 0x03})
	b := Crc16Ccitt([]byte{0x01, 0x02, 0x04})
	if a == b {
		t.Fatalf("不同数据产生相同CRC: 0x%04X", a)
	}
}

// 测试16位加法和校验
func TestSum16(t *testing.T) {
	if got := Sum16(nil); got != 0 {
		t.Fatalf("空输入Sum16应为0, 实际 %d", got)
	}
	if got := Sum16([]byte{0x01, 0x02, 0x03}); got != 6 {
		t.Fatalf("Sum16计算错误: 预期 6, 实际 %d", got)
	}

	// 溢出时按16位回绕
	data := make([]byte, 1024)
	for i := range data {
		data[i] = 0xFF
	}
	want := uint16((1024 * 0xFF) & 0xFFFF)
	if got := Sum16(data); got != want {
		t.Fatalf("Sum16回绕错误: 预期 0x%04X, 实际 0x%04X", want, got)
	}
}

// 测试8位加法和校验
func TestSum8(t *testing.T) {
	if got := Sum8([]byte{0x10, 0x20, 0x30}); got != 0x60 {
		t.Fatalf("Sum8计算错误: 预期 0x60, 实际 0x%02X", got)
	}
	// 溢出时按8位回绕
	if got := Sum8([]byte{0xFF, 0x02}); got != 0x01 {
		t.Fatalf("Sum8回绕错误: 预期 0x01, 实际 0x%02X", got)
	}
}
