package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// configReadOutcome 读取会话的最终结果
type configReadOutcome struct {
	res ConfigReadResult
	err error
}

// configReadSession 一次配置读取的在弦状态
type configReadSession struct {
	chunks   map[int][]byte
	total    int // 设备声明的配置总长（首块携带，收到前为0）
	received int // 已收数据字节数
	done     chan configReadOutcome
}

// configWriteSession 一次配置写入的在弦状态
type configWriteSession struct {
	chunks  [][]byte // 待发的后续块（首块已随写入命令发出）
	stop    chan struct{}
	stopped bool
	done    chan error
}

// stopPacing 终止节流协程，只能在持引擎锁时调用
func (s *configWriteSession) stopPacing() {
	if s.stop != nil && !s.stopped {
		s.stopped = true
		close(s.stop)
	}
}

// ReadConfig 读取面板配置，阻塞直到拼接完成、设备报错或ctx取消
// 设备以带块序号的通知分块回传，首块额外携带2字节总长；
// 收满声明总长后按块序号升序拼接交付。
// 同一时刻只允许一个读取会话。
// 参数：
//   - ctx: 取消与超时控制
// 返回：
//   - ConfigReadResult: 拼接后的配置数据与警告列表
//   - error: 设备错误、会话重置或ctx取消
func (e *Engine) ReadConfig(ctx context.Context) (ConfigReadResult, error) {
	s := &configReadSession{
		chunks: make(map[int][]byte),
		done:   make(chan configReadOutcome, 1),
	}

	e.mu.Lock()
	if e.cfgRead != nil {
		e.mu.Unlock()
		return ConfigReadResult{}, ErrAlreadyInProgress
	}
	e.cfgRead = s
	if err := e.send(protocol.CmdConfigRead, nil); err != nil {
		e.cfgRead = nil
		e.mu.Unlock()
		return ConfigReadResult{}, err
	}
	e.mu.Unlock()

	select {
	case out := <-s.done:
		return out.res, out.err
	case <-ctx.Done():
		e.mu.Lock()
		if e.cfgRead == s {
			e.cfgRead = nil
			e.mu.Unlock()
			return ConfigReadResult{}, ctx.Err()
		}
		e.mu.Unlock()
		// 完成与取消竞态：结果已经在途
		out := <-s.done
		return out.res, out.err
	}
}

// WriteConfig 将配置数据写入面板，阻塞直到设备确认、报错或ctx取消
// 数据在单帧预算内整包发送；超出预算则分块：
// 首帧带2字节总长前缀与首块，后续块按固定间隔开环下发，不等逐块确认。
// 参数：
//   - ctx: 取消与超时控制
//   - data: 完整配置数据（编码后的配置镜像）
func (e *Engine) WriteConfig(ctx context.Context, data []byte) error {
	if len(data) > 0xFFFF {
		return fmt.Errorf("config too large: %d bytes", len(data))
	}
	s := &configWriteSession{done: make(chan error, 1)}

	e.mu.Lock()
	if e.cfgWrite != nil {
		e.mu.Unlock()
		return ErrAlreadyInProgress
	}

	if len(data) <= protocol.ConfigChunkSize {
		e.cfgWrite = s
		if err := e.send(protocol.CmdConfigWrite, data); err != nil {
			e.cfgWrite = nil
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
	} else {
		// 节流协程与调用方缓冲区解耦
		chunks := splitChunks(append([]byte(nil), data...), protocol.ConfigChunkSize)
		first := make([]byte, 2, 2+len(chunks[0]))
		binary.LittleEndian.PutUint16(first[0:2], uint16(len(data)))
		first = append(first, chunks[0]...)

		s.chunks = chunks[1:]
		s.stop = make(chan struct{})
		e.cfgWrite = s
		if err := e.send(protocol.CmdConfigWrite, first); err != nil {
			e.cfgWrite = nil
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
		log.Infof("[ENGINE] 配置分块写入：共%d字节 %d块", len(data), len(chunks))
		go e.paceConfigChunks(s)
	}

	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		e.mu.Lock()
		if e.cfgWrite == s {
			e.cfgWrite = nil
			s.stopPacing()
			e.mu.Unlock()
			return ctx.Err()
		}
		e.mu.Unlock()
		return <-s.done
	}
}

// paceConfigChunks 按固定间隔下发后续配置块，发送失败立即收尾会话
func (e *Engine) paceConfigChunks(s *configWriteSession) {
	t := time.NewTimer(configChunkDelay)
	defer t.Stop()
	for i, chunk := range s.chunks {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}
		if err := e.send(protocol.CmdConfigWriteNext, chunk); err != nil {
			log.Warnf("[ENGINE] 配置块%d发送失败: %v", i+1, err)
			e.mu.Lock()
			e.completeConfigWriteLocked(s, err)
			e.mu.Unlock()
			return
		}
		t.Reset(configChunkDelay)
	}
}

// handleConfigRead 配置读取通知：数据块按序号缓存，错误帧视为读取失败
func (e *Engine) handleConfigRead(n *protocol.Notification) (bool, func()) {
	s := e.cfgRead
	if s == nil || n.Command != protocol.NotifyConfigData {
		return false, nil
	}
	if n.IsError() {
		e.completeConfigReadLocked(s, ConfigReadResult{}, fmt.Errorf("%w: config read", ErrDeviceReportedError))
		return true, nil
	}
	if len(n.Payload) < 2 {
		e.completeConfigReadLocked(s, ConfigReadResult{}, fmt.Errorf("%w: chunk header %d bytes", ErrMalformed, len(n.Payload)))
		return true, nil
	}

	chunkIndex := int(binary.LittleEndian.Uint16(n.Payload[0:2]))
	var data []byte
	if chunkIndex == 0 {
		body := n.Payload[2:]
		if len(body) < 2 {
			e.completeConfigReadLocked(s, ConfigReadResult{}, fmt.Errorf("%w: first chunk %d bytes", ErrMalformed, len(body)))
			return true, nil
		}
		s.total = int(binary.LittleEndian.Uint16(body[0:2]))
		data = body[2:]
		expected := 1
		if rest := s.total - len(data); rest > 0 {
			expected += (rest + protocol.ConfigReadChunkData - 1) / protocol.ConfigReadChunkData
		}
		log.Debugf("[ENGINE] 配置总长%d字节，预计%d块", s.total, expected)
	} else {
		data = n.Payload[2:]
	}

	s.chunks[chunkIndex] = append([]byte(nil), data...)
	s.received += len(data)

	if s.received >= s.total {
		e.completeConfigReadLocked(s, assembleConfig(s), nil)
	}
	received, total := s.received, s.total
	progress := e.listener.OnConfigProgress
	return true, func() {
		if progress != nil {
			progress(received, total)
		}
	}
}

// handleConfigWrite 写入结果通知
func (e *Engine) handleConfigWrite(n *protocol.Notification) (bool, func()) {
	s := e.cfgWrite
	if s == nil {
		return false, nil
	}
	switch n.Command {
	case protocol.NotifyConfigWritten:
		if n.IsError() {
			e.completeConfigWriteLocked(s, fmt.Errorf("%w: config write", ErrDeviceReportedError))
		} else {
			e.completeConfigWriteLocked(s, nil)
		}
		return true, nil
	case protocol.NotifyConfigWriteFailed:
		e.completeConfigWriteLocked(s, fmt.Errorf("%w: config write rejected", ErrDeviceReportedError))
		return true, nil
	}
	return false, nil
}

// completeConfigReadLocked 持锁收尾读取会话，只对仍在弦的会话生效
func (e *Engine) completeConfigReadLocked(s *configReadSession, res ConfigReadResult, err error) {
	if e.cfgRead != s {
		return
	}
	e.cfgRead = nil
	s.done <- configReadOutcome{res: res, err: err}
}

// completeConfigWriteLocked 持锁收尾写入会话，只对仍在弦的会话生效
func (e *Engine) completeConfigWriteLocked(s *configWriteSession, err error) {
	if e.cfgWrite != s {
		return
	}
	e.cfgWrite = nil
	s.stopPacing()
	s.done <- err
}

// assembleConfig 按块序号升序拼接已到达的数据
// 长度与声明不符记警告，不作为失败
func assembleConfig(s *configReadSession) ConfigReadResult {
	keys := make([]int, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	data := make([]byte, 0, s.received)
	for _, k := range keys {
		data = append(data, s.chunks[k]...)
	}
	res := ConfigReadResult{Data: data}
	if len(data) != s.total {
		w := Warning{Kind: WarnLengthMismatch, Detail: fmt.Sprintf("assembled %d bytes, device declared %d", len(data), s.total)}
		log.Warnf("[ENGINE] 配置读取异常 %s", w)
		res.Warnings = append(res.Warnings, w)
	}
	return res
}
