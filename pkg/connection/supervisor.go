// Package connection 维护到面板的唯一逻辑连接：
// 扫描与建链、断链后的线性退避重连、发送的瞬时忙重试。
// 状态只由本包变更，上层通过StatusListener观察。
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/transport"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// Supervisor 连接管理器
type Supervisor struct {
	transport transport.Transport
	opts      Options
	listener  *StatusListener

	mu                sync.Mutex
	state             State
	device            transport.DeviceHandle
	link              transport.Link
	reconnectAttempts int
	reconnectTimer    *time.Timer
	// gen为代数计数：每次建链/主动断开时递增，
	// 旧代的重连定时器触发后据此放弃执行
	gen uint64
}

// NewSupervisor 创建连接管理器
// 参数：
//   - t: 链路介质（BLE、电桥或环回）
//   - opts: 重连与重试参数
//   - listener: 状态回调，可为nil
func NewSupervisor(t transport.Transport, opts Options, listener *StatusListener) *Supervisor {
	if listener == nil {
		listener = &StatusListener{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	return &Supervisor{
		transport: t,
		opts:      opts,
		listener:  listener,
	}
}

// Connect 扫描并连接第一台名称命中前缀的设备
// 参数：
//   - ctx: 扫描与连接的超时/取消控制
//   - filter: 逗号分隔的名称前缀集合，如"INK,EPD"
//
// 返回：
//
//	已连接时再次调用为无操作成功；过滤串trim后为空返回ErrInvalidFilter
func (s *Supervisor) Connect(ctx context.Context, filter string) error {
	filters := splitFilters(filter)
	if len(filters) == 0 {
		return ErrInvalidFilter
	}

	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.state = StateConnecting
	startGen := s.gen
	s.mu.Unlock()

	dev, err := s.transport.Discover(ctx, filters)
	if err != nil {
		s.abortConnect(startGen)
		if errors.Is(err, transport.ErrCancelled) {
			return ErrSelectionCancelled
		}
		return fmt.Errorf("discover: %w", err)
	}

	l, err := s.transport.Connect(ctx, dev)
	if err != nil {
		s.abortConnect(startGen)
		return fmt.Errorf("connect %s: %w", dev.Address(), err)
	}

	if !s.attach(startGen, dev, l) {
		// 连接期间被主动Disconnect打断
		return ErrSelectionCancelled
	}
	return nil
}

// Disconnect 主动断开并取消未决的重连
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	l := s.link
	s.link = nil
	s.device = nil
	s.reconnectAttempts = 0
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	if wasConnected {
		log.Info("[LINK] 已主动断开")
		if s.listener.OnDisconnected != nil {
			s.listener.OnDisconnected(nil)
		}
	}
}

// SendCommand 发送一条命令帧
// 仅对瞬时忙错误重试，最多GattMaxRetries次，间隔GattRetryDelay；
// 其余错误立即返回
func (s *Supervisor) SendCommand(data []byte) error {
	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		l := s.link
		s.mu.Unlock()
		if l == nil {
			return ErrNotConnected
		}

		err := l.Write(data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrBusy) {
			return fmt.Errorf("send command: %w", err)
		}
		if attempt >= s.opts.GattMaxRetries {
			return fmt.Errorf("%w: %d attempts: %v", ErrTransientBusy, attempt+1, err)
		}
		log.Debugf("[LINK] 链路忙，%v后重试 (%d/%d)", s.opts.GattRetryDelay, attempt+1, s.opts.GattMaxRetries)
		time.Sleep(s.opts.GattRetryDelay)
	}
}

// State 当前连接状态
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device 当前设备句柄，未连接时为nil
func (s *Supervisor) Device() transport.DeviceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// IsConnected 链路是否可用
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

// splitFilters 拆分并清洗前缀过滤串
func splitFilters(filter string) []string {
	var out []string
	for _, f := range strings.Split(filter, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// abortConnect 连接失败的善后，仅在本次流程未被打断时回到Disconnected
func (s *Supervisor) abortConnect(startGen uint64) {
	s.mu.Lock()
	if s.gen == startGen && s.state == StateConnecting {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
}

// attach 接管新链路：订阅通知、挂接断链事件、重置重连计数
// 代数已变化（期间发生过主动断开）时放弃链路并返回false
func (s *Supervisor) attach(startGen uint64, dev transport.DeviceHandle, l transport.Link) bool {
	s.mu.Lock()
	if s.gen != startGen {
		s.mu.Unlock()
		l.Close()
		return false
	}
	s.gen++
	myGen := s.gen
	s.device = dev
	s.link = l
	s.state = StateConnected
	s.reconnectAttempts = 0
	s.reconnectTimer = nil
	s.mu.Unlock()

	// 通知回调不经过本管理器的锁，上层处理器可在回调内安全调用SendCommand
	l.Subscribe(func(data []byte) {
		if s.listener.OnNotify != nil {
			s.listener.OnNotify(data)
		}
	})
	l.SetDisconnectHandler(func(err error) {
		s.onLinkLost(myGen, err)
	})

	log.Infof("[LINK] 已连接设备: %s (%s)", dev.Name(), dev.Address())
	if s.listener.OnConnected != nil {
		s.listener.OnConnected(dev)
	}
	return true
}

// onLinkLost 链路意外断开：进入Disconnected，按额度安排重连
func (s *Supervisor) onLinkLost(myGen uint64, cause error) {
	s.mu.Lock()
	if s.gen != myGen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.state = StateDisconnected
	after := s.scheduleReconnectLocked()
	s.mu.Unlock()

	log.Warnf("[LINK] 链路断开: %v", cause)
	if s.listener.OnDisconnected != nil {
		s.listener.OnDisconnected(cause)
	}
	after()
}

// nextReconnectDelay 线性退避：基础延迟*(已尝试次数+1)
func (s *Supervisor) nextReconnectDelay() time.Duration {
	return s.opts.ReconnectDelay * time.Duration(s.reconnectAttempts+1)
}

// scheduleReconnectLocked 在持锁状态下决定下一步动作，
// 返回解锁后需要执行的回调（定时器已在锁内启动）
func (s *Supervisor) scheduleReconnectLocked() func() {
	if s.device == nil {
		return func() {}
	}
	if s.reconnectAttempts >= s.opts.MaxReconnectAttempts {
		// 终态：清空设备句柄，不再自动重连
		s.device = nil
		s.reconnectAttempts = 0
		return func() {
			log.Error("[LINK] 重连次数耗尽，停止自动重连")
			if s.listener.OnTerminated != nil {
				s.listener.OnTerminated()
			}
		}
	}

	delay := s.nextReconnectDelay()
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.state = StateReconnecting
	myGen := s.gen
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.attemptReconnect(myGen)
	})
	return func() {
		log.Infof("[LINK] %v后发起第%d次重连", delay, attempt)
		if s.listener.OnReconnecting != nil {
			s.listener.OnReconnecting(attempt, delay)
		}
	}
}

// attemptReconnect 重连定时器到期后的实际连接动作
func (s *Supervisor) attemptReconnect(myGen uint64) {
	s.mu.Lock()
	if s.gen != myGen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	dev := s.device
	s.mu.Unlock()
	if dev == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	l, err := s.transport.Connect(ctx, dev)
	cancel()

	if err == nil {
		s.attach(myGen, dev, l)
		return
	}

	// 重连失败视作又一次断链，继续消耗重连额度
	log.Warnf("[LINK] 重连失败: %v", err)
	s.mu.Lock()
	if s.gen != myGen {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	after := s.scheduleReconnectLocked()
	s.mu.Unlock()
	after()
}
