// Package tcpbridge 通过TCP电桥连接面板模拟器，链路语义与BLE一致：
// 下行命令帧、上行通知帧。开发与联调环境无需真实蓝牙硬件。
package tcpbridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/junbin-yang/inklink-go/pkg/transport"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// 电桥协议常量
const (
	// 帧头部魔数
	BridgeMagic = 0xCAFEFACE

	// 帧类型
	FrameKindCommand = 0x01 // 主机→面板命令
	FrameKindNotify  = 0x02 // 面板→主机通知

	// 帧头部大小（4+1+2）
	FrameHeaderSize = 7

	// 单帧负载上限
	MaxFramePayload = 2048

	// 接收缓冲区
	RecvBuffSize = 8192

	// 模拟器的广播名，与BLE设备走同一套前缀过滤
	SimDeviceName = "INK-SIM"
)

var errBadFrame = errors.New("bridge frame corrupted")

// EncodeFrame 封装一条电桥帧：{magic u32小端, kind u8, len u16小端, payload}
func EncodeFrame(kind byte, payload []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], BridgeMagic)
	frame[4] = kind
	binary.LittleEndian.PutUint16(frame[5:7], uint16(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	return frame
}

// DecodeFrames 从缓冲区解出完整帧并逐帧回调
// 参数：
//   - buf: 接收缓冲区
//   - used: 已填充字节数
//   - fn: 完整帧回调（payload只在回调内有效）
//
// 返回：
//   - 已消费字节数；魔数或长度非法时返回错误，调用方应断开连接
func DecodeFrames(buf []byte, used int, fn func(kind byte, payload []byte)) (int, error) {
	processed := 0
	for used-processed >= FrameHeaderSize {
		head := buf[processed:]
		if binary.LittleEndian.Uint32(head[0:4]) != BridgeMagic {
			return processed, fmt.Errorf("%w: bad magic 0x%08X", errBadFrame, binary.LittleEndian.Uint32(head[0:4]))
		}
		length := int(binary.LittleEndian.Uint16(head[5:7]))
		if length > MaxFramePayload {
			return processed, fmt.Errorf("%w: oversize payload %d", errBadFrame, length)
		}
		if used-processed < FrameHeaderSize+length {
			break // 帧未收全，等待下一批数据
		}
		fn(head[4], head[FrameHeaderSize:FrameHeaderSize+length])
		processed += FrameHeaderSize + length
	}
	return processed, nil
}

// Device 电桥侧的设备句柄
type Device struct {
	name string
	addr string
}

func (d *Device) Name() string    { return d.name }
func (d *Device) Address() string { return d.addr }

// Transport 绑定到一个模拟器地址的电桥介质
type Transport struct {
	addr string
}

// New 创建电桥介质
// 参数：
//   - addr: 模拟器监听地址，如"127.0.0.1:5680"
func New(addr string) *Transport {
	return &Transport{addr: addr}
}

// Discover 电桥无需扫描，直接返回绑定地址的设备句柄
// 名称仍参与前缀过滤，保持与BLE一致的筛选语义
func (t *Transport) Discover(ctx context.Context, filters []string) (transport.DeviceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.ErrCancelled
	}
	if !transport.MatchPrefix(SimDeviceName, filters) {
		return nil, transport.ErrNotFound
	}
	return &Device{name: SimDeviceName, addr: t.addr}, nil
}

// Connect 建立到模拟器的TCP连接并启动接收循环
func (t *Transport) Connect(ctx context.Context, dev transport.DeviceHandle) (transport.Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", dev.Address())
	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.ErrCancelled
		}
		return nil, fmt.Errorf("dial %s: %w", dev.Address(), err)
	}

	l := &link{conn: conn}
	l.wg.Add(1)
	go l.readLoop()
	log.Infof("[BRIDGE] 已连接模拟器 %s", dev.Address())
	return l, nil
}

// link 一条活动电桥链路
type link struct {
	conn net.Conn

	mu        sync.Mutex
	notifyFn  func(data []byte)
	disconnFn func(err error)
	closed    bool
	wg        sync.WaitGroup
}

func (l *link) Write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.ErrClosed
	}
	if _, err := l.conn.Write(EncodeFrame(FrameKindCommand, data)); err != nil {
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

func (l *link) Subscribe(fn func(data []byte)) {
	l.mu.Lock()
	l.notifyFn = fn
	l.mu.Unlock()
}

func (l *link) SetDisconnectHandler(fn func(err error)) {
	l.mu.Lock()
	l.disconnFn = fn
	l.mu.Unlock()
}

// Close 主动关闭链路，不触发断链回调
func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.conn.Close()
	l.wg.Wait()
	return err
}

// readLoop 循环接收数据并按帧分发，未处理数据压回缓冲区头部
func (l *link) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, RecvBuffSize)
	used := 0

	for {
		n, err := l.conn.Read(buf[used:])
		if err != nil {
			if err == io.EOF {
				log.Debug("[BRIDGE] 连接正常关闭")
			}
			l.shutdownFromReader(err)
			return
		}
		used += n

		processed, err := DecodeFrames(buf, used, func(kind byte, payload []byte) {
			if kind != FrameKindNotify {
				return
			}
			l.mu.Lock()
			fn := l.notifyFn
			l.mu.Unlock()
			if fn != nil {
				fn(payload)
			}
		})
		if err != nil {
			log.Errorf("[BRIDGE] 帧解析失败，关闭连接: %v", err)
			l.shutdownFromReader(err)
			return
		}

		// 移动未处理数据到缓冲区头部
		if processed > 0 {
			used -= processed
			if used > 0 {
				copy(buf, buf[processed:processed+used])
			}
		}
		if used >= len(buf) {
			log.Error("[BRIDGE] 接收缓冲区溢出，关闭连接")
			l.shutdownFromReader(errBadFrame)
			return
		}
	}
}

// shutdownFromReader 接收循环内的断链处理：主动Close不再触发回调
func (l *link) shutdownFromReader(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	fn := l.disconnFn
	l.mu.Unlock()

	l.conn.Close()
	if fn != nil {
		fn(cause)
	}
}
