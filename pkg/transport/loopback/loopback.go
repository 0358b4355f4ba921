// Package loopback 提供进程内环回链路，单元测试与演示用。
// 写入与通知各走一条带缓冲通道，由独立协程投递，
// 避免对端在回调内再发送时与调用方互相锁死。
package loopback

import (
	"context"
	"errors"
	"sync"

	"github.com/junbin-yang/inklink-go/pkg/transport"
)

const queueDepth = 64

// Peer 模拟的设备侧：收主机命令，经attach的通道上行通知
type Peer interface {
	// HandleWrite 处理一条主机命令（已拷贝，可长期持有）
	HandleWrite(data []byte)
	// Attach 链路建立时注入上行通知函数
	Attach(notify func(data []byte))
	// Detach 链路断开时撤销上行通道
	Detach()
}

// Device 环回设备，实现transport.DeviceHandle
// 持有当前活动链路，故障注入方法作用于该链路
type Device struct {
	name string
	addr string
	peer Peer

	mu  sync.Mutex
	cur *link
}

func (d *Device) Name() string    { return d.name }
func (d *Device) Address() string { return d.addr }

func (d *Device) setLink(l *link) {
	d.mu.Lock()
	d.cur = l
	d.mu.Unlock()
}

func (d *Device) activeLink() *link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur
}

// FailNextWrites 注入：当前链路接下来n次Write返回err
func (d *Device) FailNextWrites(n int, err error) {
	if l := d.activeLink(); l != nil {
		l.failNextWrites(n, err)
	}
}

// Drop 模拟链路意外断开，触发断链回调
func (d *Device) Drop(cause error) {
	if l := d.activeLink(); l != nil {
		l.dropLink(cause)
	}
}

// Transport 环回介质，设备需预先登记
type Transport struct {
	mu           sync.Mutex
	devices      []*Device
	failConnects int
	connectErr   error
}

func New() *Transport {
	return &Transport{}
}

// AddDevice 登记一台环回设备
func (t *Transport) AddDevice(name, addr string, peer Peer) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev := &Device{name: name, addr: addr, peer: peer}
	t.devices = append(t.devices, dev)
	return dev
}

// FailNextConnects 注入：接下来n次Connect返回err
func (t *Transport) FailNextConnects(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failConnects = n
	t.connectErr = err
}

// Discover 在登记设备中按名称前缀查找
func (t *Transport) Discover(ctx context.Context, filters []string) (transport.DeviceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.ErrCancelled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, dev := range t.devices {
		if transport.MatchPrefix(dev.name, filters) {
			return dev, nil
		}
	}
	return nil, transport.ErrNotFound
}

// Connect 建立到环回设备的链路
func (t *Transport) Connect(ctx context.Context, dev transport.DeviceHandle) (transport.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.ErrCancelled
	}

	t.mu.Lock()
	if t.failConnects > 0 {
		t.failConnects--
		err := t.connectErr
		t.mu.Unlock()
		if err == nil {
			err = errors.New("injected connect failure")
		}
		return nil, err
	}
	t.mu.Unlock()

	d, ok := dev.(*Device)
	if !ok {
		return nil, errors.New("not a loopback device")
	}

	l := &link{
		dev:      d,
		writeCh:  make(chan []byte, queueDepth),
		notifyCh: make(chan []byte, queueDepth),
		stopCh:   make(chan struct{}),
	}
	l.wg.Add(2)
	go l.writeLoop()
	go l.notifyLoop()
	d.peer.Attach(l.pushNotify)
	d.setLink(l)
	return l, nil
}

// link 一条活动环回链路
type link struct {
	dev *Device

	mu         sync.Mutex
	notifyFn   func(data []byte)
	disconnFn  func(err error)
	closed     bool
	failWrites int
	writeErr   error

	writeCh  chan []byte
	notifyCh chan []byte
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func (l *link) Write(data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if l.failWrites > 0 {
		l.failWrites--
		err := l.writeErr
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case l.writeCh <- buf:
		return nil
	case <-l.stopCh:
		return transport.ErrClosed
	}
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

func (l *link) Close() error {
	l.shutdown()
	return nil
}

func (l *link) failNextWrites(n int, err error) {
	l.mu.Lock()
	l.failWrites = n
	l.writeErr = err
	l.mu.Unlock()
}

// dropLink 模拟链路意外断开：关闭链路并触发断链回调
func (l *link) dropLink(err error) {
	fn := l.shutdown()
	if fn != nil {
		fn(err)
	}
}

// shutdown 关闭链路，返回待触发的断链回调（主动Close时不触发）
func (l *link) shutdown() func(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	fn := l.disconnFn
	l.mu.Unlock()

	l.dev.peer.Detach()
	l.dev.setLink(nil)
	close(l.stopCh)
	l.wg.Wait()
	return fn
}

func (l *link) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case data := <-l.writeCh:
			l.dev.peer.HandleWrite(data)
		case <-l.stopCh:
			return
		}
	}
}

func (l *link) notifyLoop() {
	defer l.wg.Done()
	for {
		select {
		case data := <-l.notifyCh:
			l.mu.Lock()
			fn := l.notifyFn
			l.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		case <-l.stopCh:
			return
		}
	}
}

// pushNotify 设备侧上行入口（拷贝后入队，满则丢弃）
func (l *link) pushNotify(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case l.notifyCh <- buf:
	default:
	}
}
