// Package session 实现面板应用层协议引擎：
// 一条逻辑链路上复用四类载荷（配置同步、版本查询、固件DFU、图像直写），
// 以显式优先级分发设备通知，每类子协议同一时刻至多一个会话在弦。
// 所有会话推进都在分发路径上由引擎互斥锁串行化，
// 阻塞点只出现在发送与定时器边界。
package session

import (
	"fmt"
	"sync"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// CommandSender 命令下行通道，由连接管理器实现
// 放在消费方声明，避免session依赖connection形成环
type CommandSender interface {
	SendCommand(data []byte) error
}

// dispatchEntry 一条分发规则：处理函数返回是否消费，
// 以及解锁后需要执行的用户回调
type dispatchEntry struct {
	name   string
	handle func(n *protocol.Notification) (bool, func())
}

// Engine 协议引擎
type Engine struct {
	sender   CommandSender
	listener *Listener

	mu       sync.Mutex
	dispatch []dispatchEntry

	cfgRead     *configReadSession
	cfgWrite    *configWriteSession
	version     *versionSession
	dfu         *dfuSession
	direct      *directWriteSession
	lastVersion *VersionInfo
}

// NewEngine 创建协议引擎
// 参数：
//   - sender: 命令下行通道
//   - listener: 持久回调集合，可为nil
func NewEngine(sender CommandSender, listener *Listener) *Engine {
	if listener == nil {
		listener = &Listener{}
	}
	e := &Engine{sender: sender, listener: listener}
	// 分发优先级是协议契约的一部分：部分操作码在子协议间复用，
	// 依靠"同类会话至多一个在弦"与此固定顺序消歧
	e.dispatch = []dispatchEntry{
		{"config-read", e.handleConfigRead},
		{"config-write", e.handleConfigWrite},
		{"version", e.handleVersion},
		{"direct-write", e.handleDirectWrite},
		{"dfu", e.handleDfu},
		{"generic", e.handleGeneric},
	}
	return e
}

// HandleNotification 处理一条设备通知
// 连接管理器的OnNotify挂接到这里；data在返回后不再被引用。
// 单条畸形通知只影响其所属会话，不影响后续通知的处理
func (e *Engine) HandleNotification(data []byte) {
	n, err := protocol.DecodeNotification(data)
	if err != nil {
		log.Warnf("[ENGINE] 丢弃畸形通知(% X): %v", data, err)
		return
	}

	var after func()
	consumed := false
	e.mu.Lock()
	for _, entry := range e.dispatch {
		ok, fn := entry.handle(n)
		if ok {
			consumed, after = true, fn
			log.Debugf("[ENGINE] %s <- %s", entry.name, n)
			break
		}
	}
	e.mu.Unlock()

	if after != nil {
		after()
	}
	if !consumed {
		if e.listener.OnUnhandled != nil {
			e.listener.OnUnhandled(n.ResponseType, n.Command, n.Payload)
		} else {
			log.Debugf("[ENGINE] 通知无人消费: %s", n)
		}
	}
}

// Reset 清空全部在弦会话，未决操作以包装ErrReset的错误收尾
// 断链、重启设备或上层放弃时调用；重置后引擎可直接继续使用
func (e *Engine) Reset(cause error) {
	err := error(ErrReset)
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrReset, cause)
	}

	e.mu.Lock()
	if s := e.cfgRead; s != nil {
		e.cfgRead = nil
		s.done <- configReadOutcome{err: err}
	}
	if s := e.cfgWrite; s != nil {
		e.cfgWrite = nil
		s.stopPacing()
		s.done <- err
	}
	if s := e.version; s != nil {
		e.version = nil
		s.done <- versionOutcome{err: err}
	}
	if s := e.dfu; s != nil {
		e.dfu = nil
		s.stopTimers()
		s.done <- err
	}
	if s := e.direct; s != nil {
		e.direct = nil
		s.done <- directOutcome{err: err}
	}
	e.mu.Unlock()
	log.Info("[ENGINE] 会话已重置")
}

// Reboot 重启面板，发完即走（设备随后会主动断链，由连接管理器接手）
func (e *Engine) Reboot() error {
	return e.send(protocol.CmdReboot, nil)
}

// LastVersion 最近一次版本应答的缓存
func (e *Engine) LastVersion() (VersionInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastVersion == nil {
		return VersionInfo{}, false
	}
	return *e.lastVersion, true
}

// send 发送一条命令帧
// 不触碰引擎锁：分发处理器持锁调用，节流协程不持锁调用，
// 下行通道自身保证并发安全
func (e *Engine) send(id uint16, payload []byte) error {
	cmd := protocol.NewCommand(id, payload)
	log.Debugf("[ENGINE] 发送 %s", cmd)
	if err := e.sender.SendCommand(cmd.Encode()); err != nil {
		return fmt.Errorf("send %s: %w", protocol.CommandName(id), err)
	}
	return nil
}

// splitChunks 将data按size切块，尾块可短；返回的块引用原切片
func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}

// handleGeneric 通用确认/错误：无会话状态，始终在弦，内建最低优先级，
// 让携带相同操作码的子协议处理器先行匹配
func (e *Engine) handleGeneric(n *protocol.Notification) (bool, func()) {
	switch {
	case n.ResponseType == protocol.RespOK && n.Command == protocol.NotifyGenericAck:
		payload := n.Payload
		return true, func() {
			if e.listener.OnGenericAck != nil {
				e.listener.OnGenericAck(payload)
			}
		}
	case n.ResponseType == protocol.RespErr && n.Command == protocol.NotifyGenericErr:
		return true, func() {
			log.Warn("[ENGINE] 设备上报通用错误")
			if e.listener.OnGenericError != nil {
				e.listener.OnGenericError(ErrDeviceReportedError)
			}
		}
	}
	return false, nil
}
