// Package ble 基于tinygo.org/x/bluetooth实现面板的BLE链路。
// 面板暴露一条Nordic UART风格的服务：主机向写特征下发命令（无应答写），
// 设备经通知特征上行数据。
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/junbin-yang/inklink-go/pkg/transport"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// 面板GATT服务与特征（统一用小写，UUID().String()按小写输出）
const (
	ServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	WriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NotifyCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Device BLE扫描命中的设备
type Device struct {
	name string
	addr bluetooth.Address
}

func (d *Device) Name() string    { return d.name }
func (d *Device) Address() string { return d.addr.String() }

// Transport BLE介质适配器
// 适配器全局唯一；活动链路按设备地址登记，用于路由断链事件
type Transport struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*link
}

func New() *Transport {
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*link),
	}
}

// enable 首次使用时启用蓝牙适配器并注册连接状态回调
func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("enable bluetooth: %w", err)
			return
		}
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			addr := device.Address.String()
			t.mu.Lock()
			l := t.links[addr]
			delete(t.links, addr)
			t.mu.Unlock()
			if l != nil {
				log.Warnf("[BLE] 链路断开: %s", addr)
				l.onDisconnected(transport.ErrClosed)
			}
		})
	})
	return t.enableErr
}

// Discover 扫描广播名命中任一前缀的设备，第一台命中即停止
func (t *Transport) Discover(ctx context.Context, filters []string) (transport.DeviceHandle, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}

	var (
		foundMu sync.Mutex
		found   *Device
	)
	scanDone := make(chan error, 1)
	go func() {
		scanDone <- t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			if !transport.MatchPrefix(name, filters) {
				return
			}
			foundMu.Lock()
			if found == nil {
				found = &Device{name: name, addr: result.Address}
				log.Infof("[BLE] 发现设备: %s (%s)", name, result.Address.String())
			}
			foundMu.Unlock()
			adapter.StopScan()
		})
	}()

	select {
	case <-ctx.Done():
		t.adapter.StopScan()
		<-scanDone
	case err := <-scanDone:
		if err != nil {
			return nil, fmt.Errorf("ble scan: %w", err)
		}
	}

	foundMu.Lock()
	defer foundMu.Unlock()
	if found != nil {
		return found, nil
	}
	if ctx.Err() == context.Canceled {
		return nil, transport.ErrCancelled
	}
	return nil, transport.ErrNotFound
}

// Connect 连接设备并完成服务与特征发现
func (t *Transport) Connect(ctx context.Context, dev transport.DeviceHandle) (transport.Link, error) {
	d, ok := dev.(*Device)
	if !ok {
		return nil, errors.New("not a ble device")
	}
	if err := t.enable(); err != nil {
		return nil, err
	}

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	resultCh := make(chan connectResult, 1)
	go func() {
		bd, err := t.adapter.Connect(d.addr, bluetooth.ConnectionParams{})
		resultCh <- connectResult{bd, err}
	}()

	var bd bluetooth.Device
	select {
	case <-ctx.Done():
		// 超时后若底层仍连上了，随手断开，避免占用
		go func() {
			if r := <-resultCh; r.err == nil {
				r.device.Disconnect()
			}
		}()
		return nil, transport.ErrCancelled
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("ble connect %s: %w", d.Address(), r.err)
		}
		bd = r.device
	}

	writeChar, notifyChar, err := discoverCharacteristics(bd)
	if err != nil {
		bd.Disconnect()
		return nil, err
	}

	l := &link{transport: t, device: bd, addr: d.Address(), writeChar: writeChar}
	if err = notifyChar.EnableNotifications(l.onNotify); err != nil {
		bd.Disconnect()
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	t.mu.Lock()
	t.links[d.Address()] = l
	t.mu.Unlock()
	log.Infof("[BLE] 已连接 %s (%s)", d.Name(), d.Address())
	return l, nil
}

// discoverCharacteristics 发现面板服务下的写/通知特征
func discoverCharacteristics(bd bluetooth.Device) (writeChar, notifyChar bluetooth.DeviceCharacteristic, err error) {
	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return writeChar, notifyChar, fmt.Errorf("parse service uuid: %w", err)
	}
	srvs, err := bd.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(srvs) == 0 {
		return writeChar, notifyChar, fmt.Errorf("panel service not found: %v", err)
	}

	writeUUID, _ := bluetooth.ParseUUID(WriteCharUUID)
	notifyUUID, _ := bluetooth.ParseUUID(NotifyCharUUID)
	chars, err := srvs[0].DiscoverCharacteristics([]bluetooth.UUID{writeUUID, notifyUUID})
	if err != nil {
		return writeChar, notifyChar, fmt.Errorf("discover characteristics: %w", err)
	}

	var haveWrite, haveNotify bool
	for _, c := range chars {
		switch c.UUID().String() {
		case WriteCharUUID:
			writeChar = c
			haveWrite = true
		case NotifyCharUUID:
			notifyChar = c
			haveNotify = true
		}
	}
	if !haveWrite || !haveNotify {
		return writeChar, notifyChar, errors.New("panel characteristics incomplete")
	}
	return writeChar, notifyChar, nil
}

// link 一条活动BLE链路
type link struct {
	transport *Transport
	device    bluetooth.Device
	addr      string
	writeChar bluetooth.DeviceCharacteristic

	mu        sync.Mutex
	notifyFn  func(data []byte)
	disconnFn func(err error)
	closed    bool
}

func (l *link) Write(data []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	if _, err := l.writeChar.WriteWithoutResponse(data); err != nil {
		if isTransientBusy(err) {
			return fmt.Errorf("%w: %v", transport.ErrBusy, err)
		}
		return fmt.Errorf("gatt write: %w", err)
	}
	return nil
}

// isTransientBusy 判定GATT层瞬时忙（栈上一笔写尚未完成）
func isTransientBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "in progress") || strings.Contains(msg, "busy")
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

// Close 主动断开，不触发断链回调
func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.transport.mu.Lock()
	delete(l.transport.links, l.addr)
	l.transport.mu.Unlock()
	return l.device.Disconnect()
}

// onNotify 通知特征回调，底层缓冲区会被复用，这里不留存
func (l *link) onNotify(buf []byte) {
	l.mu.Lock()
	fn := l.notifyFn
	l.mu.Unlock()
	if fn != nil {
		fn(buf)
	}
}

// onDisconnected 适配器连接状态回调路由到的断链处理
func (l *link) onDisconnected(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	fn := l.disconnFn
	l.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
}
