package session

import (
	"context"
	"fmt"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// versionOutcome 版本查询的最终结果
type versionOutcome struct {
	v   VersionInfo
	err error
}

// versionSession 一次版本查询的在弦状态
type versionSession struct {
	done chan versionOutcome
}

// QueryVersion 查询固件版本，阻塞直到应答、报错或ctx取消
// 应答同时进入持久回调OnVersion并刷新LastVersion缓存
// 参数：
//   - ctx: 取消与超时控制
// 返回：
//   - VersionInfo: 主次版本号与构建哈希
func (e *Engine) QueryVersion(ctx context.Context) (VersionInfo, error) {
	s := &versionSession{done: make(chan versionOutcome, 1)}

	e.mu.Lock()
	if e.version != nil {
		e.mu.Unlock()
		return VersionInfo{}, ErrAlreadyInProgress
	}
	e.version = s
	if err := e.send(protocol.CmdFirmwareVersion, nil); err != nil {
		e.version = nil
		e.mu.Unlock()
		return VersionInfo{}, err
	}
	e.mu.Unlock()

	select {
	case out := <-s.done:
		return out.v, out.err
	case <-ctx.Done():
		e.mu.Lock()
		if e.version == s {
			e.version = nil
			e.mu.Unlock()
			return VersionInfo{}, ctx.Err()
		}
		e.mu.Unlock()
		out := <-s.done
		return out.v, out.err
	}
}

// handleVersion 版本应答：无论是否在查询中都消费并刷新缓存
// 设备可能自行上报（如重启后），此时只走持久回调
func (e *Engine) handleVersion(n *protocol.Notification) (bool, func()) {
	if n.ResponseType != protocol.RespOK || n.Command != protocol.NotifyVersion {
		return false, nil
	}

	if len(n.Payload) < 4 {
		log.Warnf("[ENGINE] 版本应答过短: %d字节", len(n.Payload))
		if s := e.version; s != nil {
			e.version = nil
			s.done <- versionOutcome{err: fmt.Errorf("%w: version payload %d bytes", ErrResponseTooShort, len(n.Payload))}
		}
		return true, nil
	}

	v := VersionInfo{Major: n.Payload[0], Minor: n.Payload[1]}
	// 哈希长度只做边界截断，不校验内容
	shaLen := int(n.Payload[2])
	if shaLen > len(n.Payload)-3 {
		shaLen = len(n.Payload) - 3
	}
	v.Sha = string(n.Payload[3 : 3+shaLen])
	log.Infof("[ENGINE] 固件版本 %s", v)

	e.lastVersion = &v
	if s := e.version; s != nil {
		e.version = nil
		s.done <- versionOutcome{v: v}
	}

	onVersion := e.listener.OnVersion
	return true, func() {
		if onVersion != nil {
			onVersion(v)
		}
	}
}
