package session

import (
	"context"
	"fmt"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// dfuSession 一次固件传输的在弦状态
// 传输由设备驱动：设备逐块拉取，主机应答块确认后静默片刻，
// 再把块展开为分片逐片下发
type dfuSession struct {
	image       []byte
	totalBlocks int

	blockID   int      // 设备当前拉取的块号
	parts     [][]byte // 当前块展开的分片帧
	partIndex int      // 下一个待发分片

	settleTimer *time.Timer
	retryTimer  *time.Timer
	done        chan error
}

// stopTimers 停掉静默与重发定时器，只能在持引擎锁时调用
func (s *dfuSession) stopTimers() {
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// UploadFirmware 供给固件镜像并等待设备拉取完成
// 镜像以十六进制字符串提供（固件产物的惯用形态），入口处一次性解码。
// 调用后主机不主动发起任何帧，直到设备以块请求开始拉取；
// 设备保持沉默时会话一直在弦，由ctx负责兜底超时。
// 参数：
//   - ctx: 取消与超时控制
//   - hexImage: 固件镜像的十六进制字符串
func (e *Engine) UploadFirmware(ctx context.Context, hexImage string) error {
	image, err := protocol.DecodeHex(hexImage)
	if err != nil {
		return err
	}
	return e.UploadFirmwareBytes(ctx, image)
}

// UploadFirmwareBytes 同UploadFirmware，镜像为原始字节
func (e *Engine) UploadFirmwareBytes(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("empty firmware image")
	}
	s := &dfuSession{
		image:       append([]byte(nil), image...),
		totalBlocks: protocol.TotalBlocks(len(image)),
		blockID:     -1,
		done:        make(chan error, 1),
	}

	e.mu.Lock()
	if e.dfu != nil {
		e.mu.Unlock()
		return ErrAlreadyInProgress
	}
	e.dfu = s
	e.mu.Unlock()
	log.Infof("[ENGINE] 固件就绪：%d字节 %d块，等待设备拉取", len(s.image), s.totalBlocks)

	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		e.mu.Lock()
		if e.dfu == s {
			e.dfu = nil
			s.stopTimers()
			e.mu.Unlock()
			return ctx.Err()
		}
		e.mu.Unlock()
		return <-s.done
	}
}

// handleDfu DFU通知族：块请求、分片确认、分片重发与三种收尾
func (e *Engine) handleDfu(n *protocol.Notification) (bool, func()) {
	s := e.dfu
	if s == nil || n.ResponseType != protocol.RespOK {
		return false, nil
	}
	switch n.Command {
	case protocol.NotifyDfuBlockRequest:
		return true, e.dfuBlockRequested(s, n.Payload)
	case protocol.NotifyDfuPartAck:
		e.dfuAdvancePart(s)
		return true, nil
	case protocol.NotifyDfuPartErr:
		e.dfuScheduleRetry(s)
		return true, nil
	case protocol.NotifyDfuUploadOK:
		return true, e.dfuFinish(s, "上传完成", true)
	case protocol.NotifyDfuAlreadyPresent:
		return true, e.dfuFinish(s, "数据已存在", true)
	case protocol.NotifyDfuApplied:
		return true, e.dfuFinish(s, "固件已生效", false)
	}
	return false, nil
}

// dfuBlockRequested 设备拉取一个块：先确认，静默片刻后开始发分片
// 越界判定先于任何下行帧
func (e *Engine) dfuBlockRequested(s *dfuSession, payload []byte) func() {
	req, err := protocol.DecodeBlockRequest(payload)
	if err != nil {
		e.completeDfuLocked(s, fmt.Errorf("%w: %v", ErrMalformed, err))
		return nil
	}
	log.Debugf("[ENGINE] 块请求 %s", req)

	if req.BlockID >= s.totalBlocks {
		e.completeDfuLocked(s, fmt.Errorf("%w: block %d of %d", ErrBlockOutOfRange, req.BlockID, s.totalBlocks))
		return nil
	}

	s.stopTimers()
	s.blockID = req.BlockID
	s.parts = nil
	s.partIndex = 0
	if err := e.send(protocol.CmdDfuBlockAck, nil); err != nil {
		e.completeDfuLocked(s, err)
		return nil
	}
	s.settleTimer = time.AfterFunc(dfuSettleDelay, func() { e.dfuSettleExpired(s, req.BlockID) })

	progress := e.listener.OnDfuProgress
	p := DfuProgress{Block: req.BlockID, TotalBlocks: s.totalBlocks}
	return func() {
		if progress != nil {
			progress(p)
		}
	}
}

// dfuSettleExpired 静默期结束，展开当前块并发出首个分片
func (e *Engine) dfuSettleExpired(s *dfuSession, blockID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dfu != s || s.blockID != blockID {
		return
	}
	s.settleTimer = nil

	start := blockID * protocol.DfuBlockSize
	end := start + protocol.DfuBlockSize
	if end > len(s.image) {
		end = len(s.image)
	}
	s.parts = protocol.SplitBlockParts(blockID, protocol.BuildBlockFrame(s.image[start:end]))
	s.partIndex = 0
	log.Debugf("[ENGINE] 块%d展开为%d分片", blockID, len(s.parts))
	e.dfuSendPartLocked(s)
}

// dfuSendPartLocked 发送当前分片，发送失败直接收尾
func (e *Engine) dfuSendPartLocked(s *dfuSession) {
	if s.partIndex >= len(s.parts) {
		return
	}
	if err := e.send(protocol.CmdDfuPartData, s.parts[s.partIndex]); err != nil {
		e.completeDfuLocked(s, err)
	}
}

// dfuAdvancePart 分片确认：推进序号，发下一片或等设备继续
func (e *Engine) dfuAdvancePart(s *dfuSession) {
	if s.parts == nil {
		log.Warn("[ENGINE] 分片确认早于块展开，忽略")
		return
	}
	s.partIndex++
	if s.partIndex < len(s.parts) {
		e.dfuSendPartLocked(s)
	}
}

// dfuScheduleRetry 设备报分片错误：延迟后原样重发当前分片
func (e *Engine) dfuScheduleRetry(s *dfuSession) {
	if s.parts == nil {
		return
	}
	log.Warnf("[ENGINE] 块%d分片%d被拒，%v后重发", s.blockID, s.partIndex, dfuPartRetryDelay)
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	index := s.partIndex
	s.retryTimer = time.AfterFunc(dfuPartRetryDelay, func() { e.dfuRetryExpired(s, index) })
}

// dfuRetryExpired 重发定时器到期，分片序号未变时才重发
func (e *Engine) dfuRetryExpired(s *dfuSession, index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dfu != s || s.partIndex != index {
		return
	}
	s.retryTimer = nil
	e.dfuSendPartLocked(s)
}

// dfuFinish 收尾通知：按需下发finalize，上报最终进度并成功收尾
func (e *Engine) dfuFinish(s *dfuSession, what string, finalize bool) func() {
	log.Infof("[ENGINE] DFU %s", what)
	if finalize {
		if err := e.send(protocol.CmdDfuFinalize, nil); err != nil {
			e.completeDfuLocked(s, err)
			return nil
		}
	}
	p := DfuProgress{Block: s.blockID, TotalBlocks: s.totalBlocks, Part: s.partIndex, TotalParts: len(s.parts)}
	e.completeDfuLocked(s, nil)

	progress := e.listener.OnDfuProgress
	return func() {
		if progress != nil {
			progress(p)
		}
	}
}

// completeDfuLocked 持锁收尾DFU会话，只对仍在弦的会话生效
func (e *Engine) completeDfuLocked(s *dfuSession, err error) {
	if e.dfu != s {
		return
	}
	e.dfu = nil
	s.stopTimers()
	s.done <- err
}
