// Package schema 维护配置报文的外部结构表：每种报文的定长与字段偏移。
// 表内容与协议引擎解耦，通过YAML文件下发，便于适配不同面板固件。
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// FieldDef 报文内单个字段的位置描述
type FieldDef struct {
	Name   string `yaml:"name"`   // 字段名
	Offset int    `yaml:"offset"` // 相对报文负载起始的偏移
	Size   int    `yaml:"size"`   // 字段字节数
}

// PacketDef 单种报文的结构描述
// Size为0表示变长报文，定长遍历在此处停止
type PacketDef struct {
	ID     int        `yaml:"id"`
	Name   string     `yaml:"name"`
	Size   int        `yaml:"size"`
	Fields []FieldDef `yaml:"fields"`
}

// Table 报文结构表，按报文ID索引
type Table struct {
	packets map[byte]*PacketDef
}

type tableFile struct {
	Packets []PacketDef `yaml:"packets"`
}

// Load 从YAML文件加载结构表
//
// 示例：
//
//	packets:
//	  - id: 0x01
//	    name: datetime
//	    size: 7
//	    fields:
//	      - {name: year, offset: 0, size: 2}
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}

	var file tableFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}
	return build(file.Packets)
}

func build(defs []PacketDef) (*Table, error) {
	t := &Table{packets: make(map[byte]*PacketDef, len(defs))}
	for i := range defs {
		def := defs[i]
		if def.ID < 0 || def.ID > 0xFF {
			return nil, fmt.Errorf("packet id out of range: %d", def.ID)
		}
		if _, ok := t.packets[byte(def.ID)]; ok {
			return nil, fmt.Errorf("duplicate packet id: 0x%02X", def.ID)
		}
		t.packets[byte(def.ID)] = &def
	}
	return t, nil
}

// SizeOf 返回报文ID对应的定长负载字节数
// 未登记或变长报文返回nil，调用方以此判断遍历终点
func (t *Table) SizeOf(id byte) *int {
	def, ok := t.packets[id]
	if !ok || def.Size <= 0 {
		return nil
	}
	size := def.Size
	return &size
}

// Name 返回报文ID的可读名称，未登记时返回空串
func (t *Table) Name(id byte) string {
	if def, ok := t.packets[id]; ok {
		return def.Name
	}
	return ""
}

// Field 按名称查找字段描述，未登记返回nil
func (t *Table) Field(id byte, name string) *FieldDef {
	def, ok := t.packets[id]
	if !ok {
		return nil
	}
	for i := range def.Fields {
		if def.Fields[i].Name == name {
			return &def.Fields[i]
		}
	}
	return nil
}

// FieldOffset 返回字段相对负载起始的偏移，未登记返回nil
func (t *Table) FieldOffset(id byte, name string) *int {
	f := t.Field(id, name)
	if f == nil {
		return nil
	}
	offset := f.Offset
	return &offset
}

// IDs 返回已登记的报文ID列表（无序），CLI列表用
func (t *Table) IDs() []byte {
	ids := make([]byte, 0, len(t.packets))
	for id := range t.packets {
		ids = append(ids, id)
	}
	return ids
}

// Default 返回内置结构表，模拟器与测试使用
// 覆盖墨水屏面板固件的常见报文
func Default() *Table {
	t, err := build([]PacketDef{
		{ID: 0x01, Name: "datetime", Size: 7, Fields: []FieldDef{
			{Name: "year", Offset: 0, Size: 2},
			{Name: "month", Offset: 2, Size: 1},
			{Name: "day", Offset: 3, Size: 1},
			{Name: "hour", Offset: 4, Size: 1},
			{Name: "minute", Offset: 5, Size: 1},
			{Name: "second", Offset: 6, Size: 1},
		}},
		{ID: 0x02, Name: "brightness", Size: 1, Fields: []FieldDef{
			{Name: "level", Offset: 0, Size: 1},
		}},
		{ID: 0x03, Name: "refresh", Size: 2, Fields: []FieldDef{
			{Name: "mode", Offset: 0, Size: 1},
			{Name: "interval", Offset: 1, Size: 1},
		}},
		{ID: 0x04, Name: "timezone", Size: 2, Fields: []FieldDef{
			{Name: "offset", Offset: 0, Size: 2},
		}},
		{ID: 0x05, Name: "sleep", Size: 4, Fields: []FieldDef{
			{Name: "start", Offset: 0, Size: 2},
			{Name: "end", Offset: 2, Size: 2},
		}},
		{ID: 0x10, Name: "label", Size: 0}, // 变长：自定义文本
	})
	if err != nil {
		// 内置表内容固定，构建失败属编程错误
		panic(err)
	}
	return t
}
