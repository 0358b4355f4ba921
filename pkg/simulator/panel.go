// Package simulator 实现软件面板：讲出设备侧的完整通知词汇表。
// 集成测试经环回链路直接驱动，cmd/inklink-sim经TCP桥对外提供；
// 各故障注入开关用于演练主机侧的异常路径。
package simulator

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// Options 面板行为与故障注入开关
type Options struct {
	Name   string // 广播名
	Major  byte   // 固件主版本
	Minor  byte   // 固件次版本
	Sha    string // 固件构建哈希
	Config []byte // 面板初始配置镜像

	RefreshDelay time.Duration // 直写结束到刷新完成的模拟耗时

	// 故障注入
	DropConfigChunk   int  // 配置读取时丢弃该序号的块（负数关闭）
	RejectConfigWrite bool // 配置写入一律拒绝
	PartErrorAt       int  // 第n个固件分片先拒一次（从1计，0关闭）
	SwappedAcks       bool // 直写应答按颠倒字节序回发
	RefreshTimeout    bool // 直写结束后上报刷新超时
}

// DefaultOptions 常规面板参数，无故障注入
func DefaultOptions() Options {
	return Options{
		Name:            "INK-PANEL-01",
		Major:           1,
		Minor:           4,
		Sha:             "f3a9c1d",
		RefreshDelay:    20 * time.Millisecond,
		DropConfigChunk: -1,
	}
}

// pullState 面板主动拉取固件的进行时状态
type pullState struct {
	version     uint64
	totalBlocks int
	blockID     int
	buf         []byte // 当前块已收的分片数据
	image       []byte // 已校验收下的固件数据
	seen        int    // 收到的分片帧计数（故障注入基准）
}

// imgState 直写会话的进行时状态
type imgState struct {
	compressed   bool
	expectedSize int
	buf          []byte
}

// Panel 软件面板
// 满足环回链路的Peer约定（HandleWrite/Attach/Detach），
// TCP桥服务端以同一组方法驱动
type Panel struct {
	opts Options

	mu     sync.Mutex
	notify func(data []byte)
	reboot func()

	config   []byte
	firmware []byte // 最近一次拉取收齐的固件

	// 配置分块写入重组
	wTotal int
	wBuf   []byte

	pull *pullState
	img  *imgState

	lastImage    []byte
	lastFast     bool
	refreshTimer *time.Timer
}

// New 创建软件面板
func New(opts Options) *Panel {
	if opts.Name == "" {
		opts.Name = "INK-PANEL-01"
	}
	return &Panel{opts: opts, config: append([]byte(nil), opts.Config...)}
}

// Name 面板广播名
func (p *Panel) Name() string { return p.opts.Name }

// Attach 链路建立：复位进行时状态并注入上行通知函数
// 重新接入等价于开启一次全新会话，上一条链路的半程状态全部作废
func (p *Panel) Attach(notify func(data []byte)) {
	p.mu.Lock()
	p.resetLocked()
	p.notify = notify
	p.mu.Unlock()
	log.Infof("[SIM] 链路接入 name=%s", p.opts.Name)
}

// Detach 链路断开：撤销上行通道并复位全部进行时状态
func (p *Panel) Detach() {
	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()
	log.Infof("[SIM] 链路断开 name=%s", p.opts.Name)
}

// resetLocked 清空链路相关的进行时状态（持锁调用）
func (p *Panel) resetLocked() {
	p.notify = nil
	p.wTotal, p.wBuf = 0, nil
	p.pull = nil
	p.img = nil
	p.stopRefreshTimer()
}

// SetRebootHook 注册重启命令的外部动作（TCP服务端用它断开链路）
func (p *Panel) SetRebootHook(fn func()) {
	p.mu.Lock()
	p.reboot = fn
	p.mu.Unlock()
}

// HandleWrite 处理一条主机命令帧
func (p *Panel) HandleWrite(data []byte) {
	if len(data) < 2 {
		log.Warnf("[SIM] 命令帧过短: % X", data)
		return
	}
	id := binary.BigEndian.Uint16(data[0:2])
	payload := data[2:]

	p.mu.Lock()
	defer p.mu.Unlock()
	log.Debugf("[SIM] 收到 %s payload=%d", protocol.CommandName(id), len(payload))

	switch id {
	case protocol.CmdConfigRead:
		p.serveConfig()
	case protocol.CmdConfigWrite:
		p.acceptConfigFirst(payload)
	case protocol.CmdConfigWriteNext:
		p.acceptConfigNext(payload)
	case protocol.CmdFirmwareVersion:
		p.send(protocol.RespOK, protocol.NotifyVersion, p.versionPayload()...)
	case protocol.CmdReboot:
		log.Info("[SIM] 收到重启命令")
		if p.reboot != nil {
			go p.reboot()
		}
	case protocol.CmdDfuBlockAck:
		// 块确认后等主机分片，无需动作
	case protocol.CmdDfuPartData:
		p.acceptFirmwarePart(payload)
	case protocol.CmdDfuFinalize:
		p.finishFirmware()
	case protocol.CmdDirectStart:
		p.imageStart(payload)
	case protocol.CmdDirectChunk:
		p.imageChunk(payload)
	case protocol.CmdDirectEnd:
		p.imageEnd(payload)
	default:
		log.Warnf("[SIM] 未知命令 0x%04X", id)
	}
}

// Config 面板当前配置镜像
func (p *Panel) Config() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.config...)
}

// SetConfig 直接替换面板配置（测试与演示预置用）
func (p *Panel) SetConfig(data []byte) {
	p.mu.Lock()
	p.config = append([]byte(nil), data...)
	p.mu.Unlock()
}

// Firmware 最近一次拉取收齐的固件镜像
func (p *Panel) Firmware() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.firmware...)
}

// LastImage 最近一次直写落屏的图像与快刷标记
func (p *Panel) LastImage() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.lastImage...), p.lastFast
}

// send 上行一条通知帧（持锁调用）
func (p *Panel) send(respType, op byte, payload ...byte) {
	if p.notify == nil {
		return
	}
	p.notify(append([]byte{respType, op}, payload...))
}

// sendDirect 直写应答，按注入开关可颠倒前两字节
func (p *Panel) sendDirect(op byte, payload ...byte) {
	if p.opts.SwappedAcks {
		p.send(op, protocol.RespOK, payload...)
		return
	}
	p.send(protocol.RespOK, op, payload...)
}

// serveConfig 按通知预算分块回传配置，首块带2字节总长
func (p *Panel) serveConfig() {
	total := len(p.config)
	first := protocol.ConfigReadChunkData - 2 // 首块数据让出总长前缀
	if first > total {
		first = total
	}

	chunk := make([]byte, 0, protocol.NotifyPayloadBudget)
	chunk = append(chunk, 0x00, 0x00, byte(total), byte(total>>8))
	chunk = append(chunk, p.config[:first]...)
	p.sendConfigChunk(0, chunk)

	for index, off := 1, first; off < total; index++ {
		end := off + protocol.ConfigReadChunkData
		if end > total {
			end = total
		}
		chunk = make([]byte, 0, 2+end-off)
		chunk = append(chunk, byte(index), byte(index>>8))
		chunk = append(chunk, p.config[off:end]...)
		p.sendConfigChunk(index, chunk)
		off = end
	}
}

func (p *Panel) sendConfigChunk(index int, payload []byte) {
	if index == p.opts.DropConfigChunk {
		log.Warnf("[SIM] 注入：丢弃配置块%d", index)
		return
	}
	p.send(protocol.RespOK, protocol.NotifyConfigData, payload...)
}

// acceptConfigFirst 配置写入首帧：超过命令预算的负载必带总长前缀
func (p *Panel) acceptConfigFirst(payload []byte) {
	if len(payload) > protocol.ConfigChunkSize {
		p.wTotal = int(binary.LittleEndian.Uint16(payload[0:2]))
		p.wBuf = append([]byte(nil), payload[2:]...)
		log.Debugf("[SIM] 分块配置写入开始：声明%d字节", p.wTotal)
		p.maybeFinishConfigWrite()
		return
	}
	p.storeConfig(payload)
}

// acceptConfigNext 配置写入后续块
func (p *Panel) acceptConfigNext(payload []byte) {
	if p.wBuf == nil {
		log.Warn("[SIM] 未开始分块写入却收到后续块")
		p.send(protocol.RespOK, protocol.NotifyConfigWriteFailed)
		return
	}
	p.wBuf = append(p.wBuf, payload...)
	p.maybeFinishConfigWrite()
}

func (p *Panel) maybeFinishConfigWrite() {
	if len(p.wBuf) < p.wTotal {
		return
	}
	data := p.wBuf[:p.wTotal]
	p.wTotal, p.wBuf = 0, nil
	p.storeConfig(data)
}

// storeConfig 落下新配置并回执
func (p *Panel) storeConfig(data []byte) {
	if p.opts.RejectConfigWrite {
		log.Warn("[SIM] 注入：拒绝配置写入")
		p.send(protocol.RespOK, protocol.NotifyConfigWriteFailed)
		return
	}
	p.config = append([]byte(nil), data...)
	log.Infof("[SIM] 配置更新：%d字节", len(data))
	p.send(protocol.RespOK, protocol.NotifyConfigWritten)
}

func (p *Panel) versionPayload() []byte {
	sha := []byte(p.opts.Sha)
	out := make([]byte, 0, 3+len(sha))
	out = append(out, p.opts.Major, p.opts.Minor, byte(len(sha)))
	return append(out, sha...)
}

// BeginFirmwarePull 面板发起固件拉取，逐块向主机请求
// totalBlocks为面板预期的镜像块数（真机来自版本协商元数据）
func (p *Panel) BeginFirmwarePull(version uint64, totalBlocks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pull = &pullState{version: version, totalBlocks: totalBlocks}
	p.requestBlock()
}

// requestBlock 发出当前块的拉取请求（持锁调用）
func (p *Panel) requestBlock() {
	s := p.pull
	req := &protocol.BlockRequest{
		Version:        s.version,
		BlockID:        s.blockID,
		Type:           0x01,
		RequestedParts: (1 << 18) - 1, // 满窗块的全部分片
	}
	s.buf = nil
	log.Debugf("[SIM] 请求块 %s", req)
	p.send(protocol.RespOK, protocol.NotifyDfuBlockRequest, req.Encode()...)
}

// acceptFirmwarePart 校验并累积一个分片，按注入开关先拒一次
func (p *Panel) acceptFirmwarePart(frame []byte) {
	s := p.pull
	if s == nil {
		log.Warn("[SIM] 未在拉取状态却收到分片")
		return
	}
	if len(frame) != protocol.DfuPartFrameSize || frame[0] != protocol.Sum8(frame[1:]) {
		log.Warn("[SIM] 分片帧校验不符，要求重发")
		p.send(protocol.RespOK, protocol.NotifyDfuPartErr)
		return
	}
	blockID, partIndex := int(frame[1]), int(frame[2])
	wantPart := len(s.buf) / protocol.DfuPartDataSize
	if blockID != s.blockID || partIndex != wantPart {
		log.Warnf("[SIM] 分片序号不符: block=%d part=%d 期望block=%d part=%d", blockID, partIndex, s.blockID, wantPart)
		p.send(protocol.RespOK, protocol.NotifyDfuPartErr)
		return
	}

	s.seen++
	if p.opts.PartErrorAt > 0 && s.seen == p.opts.PartErrorAt {
		log.Warnf("[SIM] 注入：拒绝第%d个分片", s.seen)
		p.send(protocol.RespOK, protocol.NotifyDfuPartErr)
		return
	}

	s.buf = append(s.buf, frame[3:]...)
	p.send(protocol.RespOK, protocol.NotifyDfuPartAck)
	p.maybeFinishBlock()
}

// maybeFinishBlock 分片凑齐完整块帧后校验并推进
func (p *Panel) maybeFinishBlock() {
	s := p.pull
	length, crc, data, err := protocol.ParseBlockFrame(s.buf)
	if err != nil || len(data) < length {
		return // 还没收齐
	}
	data = data[:length]
	if crc != protocol.Sum16(data) {
		log.Warnf("[SIM] 块%d校验和不符，重新拉取", s.blockID)
		p.requestBlock()
		return
	}

	s.image = append(s.image, data...)
	log.Debugf("[SIM] 块%d收齐：%d字节", s.blockID, length)
	s.blockID++
	if s.blockID < s.totalBlocks {
		p.requestBlock()
		return
	}

	p.firmware = append([]byte(nil), s.image...)
	log.Infof("[SIM] 固件收齐：共%d字节", len(s.image))
	p.send(protocol.RespOK, protocol.NotifyDfuUploadOK)
}

// finishFirmware 主机收尾，拉取状态落定
func (p *Panel) finishFirmware() {
	if p.pull == nil {
		return
	}
	log.Infof("[SIM] 固件传输收尾，镜像%d字节", len(p.firmware))
	p.pull = nil
}

// imageStart 直写开始：负载非空表示压缩流（带4字节原始长度）
func (p *Panel) imageStart(payload []byte) {
	s := &imgState{}
	if len(payload) > 0 {
		if len(payload) < 4 {
			log.Warn("[SIM] 压缩开始帧负载过短")
			return
		}
		s.compressed = true
		s.expectedSize = int(binary.LittleEndian.Uint32(payload[0:4]))
		s.buf = append(s.buf, payload[4:]...)
	}
	p.img = s
	p.stopRefreshTimer()
	p.sendDirect(protocol.NotifyDirectStartAck)
}

// imageChunk 直写数据块
func (p *Panel) imageChunk(payload []byte) {
	if p.img == nil {
		log.Warn("[SIM] 未在直写状态却收到数据块")
		return
	}
	p.img.buf = append(p.img.buf, payload...)
	p.sendDirect(protocol.NotifyDirectChunkAck)
}

// imageEnd 直写结束：还原图像、回执并模拟刷新过程
func (p *Panel) imageEnd(payload []byte) {
	s := p.img
	if s == nil {
		log.Warn("[SIM] 未在直写状态却收到结束帧")
		return
	}
	fast := len(payload) > 0 && payload[0] == 0x01
	p.img = nil
	p.sendDirect(protocol.NotifyDirectEndAck)

	image := s.buf
	if s.compressed {
		out, err := inflate(s.buf)
		if err != nil {
			log.Warnf("[SIM] 图像解压失败: %v", err)
			p.sendDirect(protocol.NotifyDirectTimeout)
			return
		}
		if len(out) != s.expectedSize {
			log.Warnf("[SIM] 解压长度%d与声明%d不符", len(out), s.expectedSize)
		}
		image = out
	}
	p.lastImage = append([]byte(nil), image...)
	p.lastFast = fast
	log.Infof("[SIM] 图像落屏：%d字节 fast=%v", len(image), fast)

	if p.opts.RefreshTimeout {
		log.Warn("[SIM] 注入：刷新超时")
		p.sendDirect(protocol.NotifyDirectTimeout)
		return
	}
	p.refreshTimer = time.AfterFunc(p.opts.RefreshDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.refreshTimer = nil
		p.sendDirect(protocol.NotifyDirectDone)
	})
}

// stopRefreshTimer 持锁调用
func (p *Panel) stopRefreshTimer() {
	if p.refreshTimer != nil {
		p.refreshTimer.Stop()
		p.refreshTimer = nil
	}
}

// inflate zlib整包解压
func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
