package devconfig

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
	"github.com/junbin-yang/inklink-go/pkg/schema"
)

// 构造一份含日期与亮度报文的配置
func sampleBlob() *Blob {
	return &Blob{
		Version: 1,
		Packets: []Packet{
			{Number: 0, ID: 0x01, Payload: []byte{0xEA, 0x07, 8, 25, 12, 30, 0}}, // 2026-08-25 12:30:00
			{Number: 1, ID: 0x02, Payload: []byte{0x64}},                         // 亮度100
		},
	}
}

func hasWarning(warnings []error, target error) bool {
	for _, w := range warnings {
		if errors.Is(w, target) {
			return true
		}
	}
	return false
}

// 测试编解码往返
func TestBlobRoundTrip(t *testing.T) {
	table := schema.Default()
	raw := sampleBlob().Encode()

	// 长度 = 头3 + (2+7) + (2+1) + 尾2
	if len(raw) != 17 {
		t.Fatalf("编码长度错误: 预期 17, 实际 %d", len(raw))
	}
	if declared := binary.LittleEndian.Uint16(raw[0:2]); int(declared) != len(raw) {
		t.Fatalf("声明长度错误: %d", declared)
	}

	blob, err := Decode(raw, table)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if len(blob.Warnings) != 0 {
		t.Fatalf("完好数据不应有警告: %v", blob.Warnings)
	}
	if blob.Version != 1 {
		t.Fatalf("版本错误: %d", blob.Version)
	}
	if len(blob.Packets) != 2 {
		t.Fatalf("报文数错误: %d", len(blob.Packets))
	}
	if blob.Packets[0].ID != 0x01 || blob.Packets[1].ID != 0x02 {
		t.Fatalf("报文ID错误: 0x%02X 0x%02X", blob.Packets[0].ID, blob.Packets[1].ID)
	}
	if !bytes.Equal(blob.Packets[1].Payload, []byte{0x64}) {
		t.Fatalf("亮度负载错误: % X", blob.Packets[1].Payload)
	}

	// 再次编码应逐字节一致
	if !bytes.Equal(blob.Encode(), raw) {
		t.Fatal("二次编码与原始字节不一致")
	}
}

// 测试校验和不匹配产生警告但不阻断交付
func TestDecode_ChecksumWarning(t *testing.T) {
	raw := sampleBlob().Encode()
	raw[len(raw)-1] ^= 0xFF // 破坏校验字节

	blob, err := Decode(raw, schema.Default())
	if err != nil {
		t.Fatalf("警告级异常不应导致解码失败: %v", err)
	}
	if !hasWarning(blob.Warnings, ErrChecksumMismatch) {
		t.Fatalf("应有校验警告, 实际: %v", blob.Warnings)
	}
	if hasWarning(blob.Warnings, ErrLengthMismatch) {
		t.Fatal("长度未被破坏，不应有长度警告")
	}
	// 报文仍然正常解出
	if len(blob.Packets) != 2 {
		t.Fatalf("警告下报文仍应解出: %d", len(blob.Packets))
	}
}

// 测试声明长度不匹配产生警告
func TestDecode_LengthWarning(t *testing.T) {
	raw := sampleBlob().Encode()
	binary.LittleEndian.PutUint16(raw[0:2], uint16(len(raw)+5))
	// 重算校验，保证只触发长度警告
	crc := protocol.Crc16Ccitt(raw[:len(raw)-2])
	raw[len(raw)-2] = byte(crc)
	raw[len(raw)-1] = byte(crc >> 8)

	blob, err := Decode(raw, schema.Default())
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if !hasWarning(blob.Warnings, ErrLengthMismatch) {
		t.Fatalf("应有长度警告, 实际: %v", blob.Warnings)
	}
	if hasWarning(blob.Warnings, ErrChecksumMismatch) {
		t.Fatal("校验已重算，不应有校验警告")
	}
}

// 测试未登记ID停止定长遍历，剩余字节进Rest并参与回写
func TestDecode_StopAtUnknownID(t *testing.T) {
	src := sampleBlob()
	src.Rest = []byte{0x05, 0x77, 0xAA} // 0x77未登记
	raw := src.Encode()

	blob, err := Decode(raw, schema.Default())
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if len(blob.Packets) != 2 {
		t.Fatalf("停止前应解出2条报文: %d", len(blob.Packets))
	}
	if !bytes.Equal(blob.Rest, []byte{0x05, 0x77, 0xAA}) {
		t.Fatalf("Rest错误: % X", blob.Rest)
	}
	if !bytes.Equal(blob.Encode(), raw) {
		t.Fatal("含Rest的往返不一致")
	}
}

// 测试变长ID同样停止遍历
func TestDecode_StopAtVariableID(t *testing.T) {
	src := &Blob{Version: 1, Rest: []byte{0x00, 0x10, 'h', 'i'}} // 0x10登记为变长
	raw := src.Encode()

	blob, err := Decode(raw, schema.Default())
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if len(blob.Packets) != 0 {
		t.Fatalf("变长ID处应立即停止: %d", len(blob.Packets))
	}
	if !bytes.Equal(blob.Rest, src.Rest) {
		t.Fatalf("Rest错误: % X", blob.Rest)
	}
}

// 测试残缺尾报文不解出、进Rest
func TestDecode_TruncatedPacket(t *testing.T) {
	// datetime需要7字节负载，只给3字节
	src := &Blob{Version: 1, Rest: []byte{0x00, 0x01, 0xEA, 0x07, 8}}
	raw := src.Encode()

	blob, err := Decode(raw, schema.Default())
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if len(blob.Packets) != 0 {
		t.Fatalf("残缺报文不应解出: %d", len(blob.Packets))
	}
	if !bytes.Equal(blob.Rest, src.Rest) {
		t.Fatalf("Rest错误: % X", blob.Rest)
	}
}

// 测试数据不足最小帧长
func TestDecode_TooShort(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02, 0x03, 0x04}, schema.Default()); !errors.Is(err, ErrBlobTooShort) {
		t.Fatalf("过短数据应返回ErrBlobTooShort, 实际: %v", err)
	}
}

// 测试按名称读写字段
func TestPacketField(t *testing.T) {
	table := schema.Default()
	blob := sampleBlob()

	pkt := blob.Packet(0x01)
	if pkt == nil {
		t.Fatal("未找到datetime报文")
	}

	year, err := pkt.Uint(table, "year")
	if err != nil {
		t.Fatalf("读year失败: %v", err)
	}
	if year != 2026 {
		t.Fatalf("year错误: %d", year)
	}

	month, err := pkt.Field(table, "month")
	if err != nil {
		t.Fatalf("读month失败: %v", err)
	}
	if month[0] != 8 {
		t.Fatalf("month错误: %d", month[0])
	}

	if err = pkt.SetField(table, "day", []byte{26}); err != nil {
		t.Fatalf("写day失败: %v", err)
	}
	if pkt.Payload[3] != 26 {
		t.Fatalf("day写入未生效: %d", pkt.Payload[3])
	}

	// 长度不符的写入
	if err = pkt.SetField(table, "day", []byte{1, 2}); !errors.Is(err, ErrFieldOutOfRange) {
		t.Fatalf("长度不符应返回ErrFieldOutOfRange, 实际: %v", err)
	}
	// 未登记字段
	if _, err = pkt.Field(table, "nonexist"); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("未登记字段应返回ErrUnknownField, 实际: %v", err)
	}
}

// 测试按ID查找报文
func TestBlobPacket_Missing(t *testing.T) {
	if sampleBlob().Packet(0x55) != nil {
		t.Fatal("不存在的报文ID应返回nil")
	}
}
