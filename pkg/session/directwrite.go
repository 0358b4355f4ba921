package session

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// directOutcome 直写会话的最终结果
type directOutcome struct {
	res ImageResult
	err error
}

// directWriteSession 一次图像直写的在弦状态
type directWriteSession struct {
	compressed  bool
	fast        bool
	chunks      [][]byte
	chunkIndex  int // 下一个待发块
	pendingAcks int // 在途未确认块数
	endSent     bool

	uploadStart  time.Time
	refreshStart time.Time
	done         chan directOutcome
}

// WriteImage 向面板直写一帧图像并等待刷新完成
// 数据先尝试zlib压缩，压缩产物超过上限时改发原始字节；
// 发送窗口受在途确认额度约束，结束帧只发一次。
// 参数：
//   - ctx: 取消与超时控制
//   - payload: 编码后的像素数据（面板原生格式）
//   - fast: 结束帧携带快刷标记
// 返回：
//   - ImageResult: 压缩选择、分块数与各阶段耗时
func (e *Engine) WriteImage(ctx context.Context, payload []byte, fast bool) (ImageResult, error) {
	if len(payload) == 0 {
		return ImageResult{}, fmt.Errorf("empty image payload")
	}

	s := &directWriteSession{fast: fast, done: make(chan directOutcome, 1)}
	var start []byte
	if z, err := compressPayload(payload); err == nil && len(z) <= protocol.MaxCompressedSize {
		// 压缩开始帧携带原始长度，设备据此预留解压缓冲
		s.compressed = true
		s.chunks = splitChunks(z, protocol.DirectChunkSize)
		header := make([]byte, 4, protocol.CommandPayloadBudget)
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
		if 4+len(z) <= protocol.CommandPayloadBudget {
			start = append(header, z...)
			s.chunkIndex = len(s.chunks) // 全部数据已随开始帧送出
		} else {
			headLen := protocol.CommandPayloadBudget - 4
			start = append(header, z[:headLen]...)
			s.chunks[0] = s.chunks[0][headLen:]
		}
		log.Infof("[ENGINE] 图像压缩%d→%d字节，%d块", len(payload), len(z), len(s.chunks))
	} else {
		s.chunks = splitChunks(append([]byte(nil), payload...), protocol.DirectChunkSize)
		log.Infof("[ENGINE] 图像不压缩，%d字节 %d块", len(payload), len(s.chunks))
	}

	e.mu.Lock()
	if e.direct != nil {
		e.mu.Unlock()
		return ImageResult{}, ErrAlreadyInProgress
	}
	e.direct = s
	s.uploadStart = time.Now()
	if err := e.send(protocol.CmdDirectStart, start); err != nil {
		e.direct = nil
		e.mu.Unlock()
		return ImageResult{}, err
	}
	e.mu.Unlock()

	select {
	case out := <-s.done:
		return out.res, out.err
	case <-ctx.Done():
		e.mu.Lock()
		if e.direct == s {
			e.direct = nil
			e.mu.Unlock()
			return ImageResult{}, ctx.Err()
		}
		e.mu.Unlock()
		out := <-s.done
		return out.res, out.err
	}
}

// handleDirectWrite 直写应答族
func (e *Engine) handleDirectWrite(n *protocol.Notification) (bool, func()) {
	s := e.direct
	if s == nil {
		return false, nil
	}
	switch {
	case matchDirect(n, protocol.NotifyDirectStartAck):
		s.pendingAcks = 0
		return true, e.pumpImageLocked(s)
	case matchDirect(n, protocol.NotifyDirectChunkAck):
		if s.pendingAcks > 0 {
			s.pendingAcks--
		}
		return true, e.pumpImageLocked(s)
	case matchDirect(n, protocol.NotifyDirectEndAck):
		if s.refreshStart.IsZero() {
			s.refreshStart = time.Now()
		}
		return true, nil
	case matchDirect(n, protocol.NotifyDirectDone):
		e.directDoneLocked(s)
		return true, nil
	case matchDirect(n, protocol.NotifyDirectTimeout):
		log.Warn("[ENGINE] 面板刷新超时")
		e.completeDirectLocked(s, ImageResult{}, ErrRefreshTimeout)
		return true, nil
	}
	return false, nil
}

// pumpImageLocked 在途额度内持续下发数据块
// 全部送达且无在途确认时发出结束帧（只发一次）并记录刷新起点
func (e *Engine) pumpImageLocked(s *directWriteSession) func() {
	var sent, total int
	for s.chunkIndex < len(s.chunks) && s.pendingAcks < pipelineDepth {
		if err := e.send(protocol.CmdDirectChunk, s.chunks[s.chunkIndex]); err != nil {
			e.completeDirectLocked(s, ImageResult{}, err)
			return nil
		}
		s.chunkIndex++
		s.pendingAcks++
		if s.chunkIndex%imageProgressStep == 0 || s.chunkIndex == len(s.chunks) {
			sent, total = s.chunkIndex, len(s.chunks)
		}
	}

	if s.chunkIndex >= len(s.chunks) && s.pendingAcks == 0 && !s.endSent {
		s.endSent = true
		var payload []byte
		if s.fast {
			payload = []byte{0x01}
		}
		if err := e.send(protocol.CmdDirectEnd, payload); err != nil {
			e.completeDirectLocked(s, ImageResult{}, err)
			return nil
		}
		s.refreshStart = time.Now()
		log.Debug("[ENGINE] 图像数据发送完毕，等待面板刷新")
	}

	if sent == 0 {
		return nil
	}
	progress := e.listener.OnImageProgress
	return func() {
		if progress != nil {
			progress(sent, total)
		}
	}
}

// directDoneLocked 刷新完成：补记时间基准、结算各阶段耗时并成功收尾
func (e *Engine) directDoneLocked(s *directWriteSession) {
	now := time.Now()
	if s.refreshStart.IsZero() {
		s.refreshStart = now
	}
	res := ImageResult{
		Compressed:      s.compressed,
		Chunks:          len(s.chunks),
		UploadDuration:  s.refreshStart.Sub(s.uploadStart),
		RefreshDuration: now.Sub(s.refreshStart),
		TotalDuration:   now.Sub(s.uploadStart),
	}
	log.Infof("[ENGINE] 刷新完成：上传%v 刷新%v 共%v", res.UploadDuration, res.RefreshDuration, res.TotalDuration)
	e.completeDirectLocked(s, res, nil)
}

// completeDirectLocked 持锁收尾直写会话，只对仍在弦的会话生效
func (e *Engine) completeDirectLocked(s *directWriteSession, res ImageResult, err error) {
	if e.direct != s {
		return
	}
	e.direct = nil
	s.done <- directOutcome{res: res, err: err}
}

// matchDirect 匹配直写应答
// 部分固件版本会把应答前两字节顺序颠倒，两种排布都认
func matchDirect(n *protocol.Notification, op byte) bool {
	if n.ResponseType == protocol.RespOK && n.Command == op {
		return true
	}
	return n.ResponseType == op && n.Command == protocol.RespOK
}

// compressPayload zlib整包压缩
func compressPayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
