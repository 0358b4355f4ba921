package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/protocol"
)

func startFirmwareUpload(t *testing.T, e *Engine, image []byte) chan error {
	t.Helper()
	ch := make(chan error, 1)
	go func() { ch <- e.UploadFirmwareBytes(context.Background(), image) }()
	waitUntil(t, time.Second, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.dfu != nil
	})
	return ch
}

// pullBlock 模拟设备拉取一个块：逐片确认、重组并校验块内容
// 返回消费到的下行帧序号（不含）
func pullBlock(t *testing.T, e *Engine, sender *fakeSender, from, blockID int, want []byte) int {
	t.Helper()

	sender.waitFrames(t, from+1, time.Second)
	if got := sender.frame(from); !bytes.Equal(got, []byte{0x00, 0x02}) {
		t.Fatalf("块确认帧不符: % X", got)
	}
	from++

	wantParts := (protocol.DfuBlockHeaderSize + len(want) + protocol.DfuPartDataSize - 1) / protocol.DfuPartDataSize
	var blockFrame []byte
	for i := 0; i < wantParts; i++ {
		sender.waitFrames(t, from+1, time.Second)
		frame := sender.frame(from)
		from++
		if frame[0] != 0x00 || frame[1] != 0x65 {
			t.Fatalf("分片%d命令字不符: % X", i, frame[:2])
		}
		part := frame[2:]
		if len(part) != protocol.DfuPartFrameSize {
			t.Fatalf("分片%d长度不符: %d", i, len(part))
		}
		if part[0] != protocol.Sum8(part[1:]) {
			t.Fatalf("分片%d校验不符", i)
		}
		if int(part[1]) != blockID || int(part[2]) != i {
			t.Fatalf("分片%d头部不符: block=%d part=%d", i, part[1], part[2])
		}
		blockFrame = append(blockFrame, part[3:]...)
		notify(e, 0x00, 0xC5)
	}

	length, crc, data, err := protocol.ParseBlockFrame(blockFrame)
	if err != nil {
		t.Fatalf("块帧解析失败: %v", err)
	}
	if length != len(want) {
		t.Fatalf("块声明长度不符: %d != %d", length, len(want))
	}
	data = data[:length] // 去掉末片补零
	if crc != protocol.Sum16(data) {
		t.Fatal("块校验和不符")
	}
	if !bytes.Equal(data, want) {
		t.Fatal("块数据与镜像窗口不一致")
	}
	return from
}

// 完整的两块拉取流程：块确认、静默、分片下发、收尾帧
func TestUploadFirmware_FullPull(t *testing.T) {
	e, sender, rec := newTestEngine()

	image := make([]byte, protocol.DfuBlockSize+100)
	for i := range image {
		image[i] = byte(i * 13)
	}
	ch := startFirmwareUpload(t, e, image)
	if sender.count() != 0 {
		t.Fatal("上弦阶段不应有任何下行帧")
	}

	req := &protocol.BlockRequest{Version: 42, BlockID: 0, Type: 1, RequestedParts: (1 << 18) - 1}
	e.HandleNotification(append([]byte{0x00, 0xC6}, req.Encode()...))
	from := pullBlock(t, e, sender, 0, 0, image[:protocol.DfuBlockSize])

	req.BlockID = 1
	e.HandleNotification(append([]byte{0x00, 0xC6}, req.Encode()...))
	from = pullBlock(t, e, sender, from, 1, image[protocol.DfuBlockSize:])

	notify(e, 0x00, 0xC7)
	sender.waitFrames(t, from+1, time.Second)
	if got := sender.frame(from); !bytes.Equal(got, []byte{0x00, 0x03}) {
		t.Fatalf("收尾帧不符: % X", got)
	}
	if err := <-ch; err != nil {
		t.Fatalf("固件传输失败: %v", err)
	}

	// 进度：两次块请求 + 一次收尾
	var seen []DfuProgress
	for i := 0; i < 3; i++ {
		select {
		case p := <-rec.dfu:
			seen = append(seen, p)
		case <-time.After(time.Second):
			t.Fatalf("只收到%d次进度回调", i)
		}
	}
	if seen[0].Block != 0 || seen[1].Block != 1 || seen[0].TotalBlocks != 2 {
		t.Fatalf("进度序列不符: %+v", seen)
	}
}

// 分片被拒后延迟重发，且重发内容逐字节一致
func TestUploadFirmware_PartRetry(t *testing.T) {
	e, sender, _ := newTestEngine()

	image := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0xFF}, 75)
	ch := startFirmwareUpload(t, e, image)

	req := &protocol.BlockRequest{BlockID: 0, Type: 1}
	e.HandleNotification(append([]byte{0x00, 0xC6}, req.Encode()...))

	sender.waitFrames(t, 2, time.Second)
	first := sender.frame(1)

	notify(e, 0x00, 0xC4)
	sender.waitFrames(t, 3, time.Second)
	if !bytes.Equal(sender.frame(2), first) {
		t.Fatal("重发分片与原分片不一致")
	}

	notify(e, 0x00, 0xC5)
	sender.waitFrames(t, 4, time.Second) // 分片1
	notify(e, 0x00, 0xC5)
	notify(e, 0x00, 0xC7)
	if err := <-ch; err != nil {
		t.Fatalf("固件传输失败: %v", err)
	}
}

// 越界块请求直接失败，且不给设备发任何帧
func TestUploadFirmware_BlockOutOfRange(t *testing.T) {
	e, sender, _ := newTestEngine()

	ch := startFirmwareUpload(t, e, make([]byte, 64))
	req := &protocol.BlockRequest{BlockID: 5}
	e.HandleNotification(append([]byte{0x00, 0xC6}, req.Encode()...))

	if err := <-ch; !errors.Is(err, ErrBlockOutOfRange) {
		t.Fatalf("应返回块越界，实际: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("越界请求不应产生下行帧，实际%d帧", sender.count())
	}
}

func TestUploadFirmware_MalformedBlockRequest(t *testing.T) {
	e, _, _ := newTestEngine()

	ch := startFirmwareUpload(t, e, make([]byte, 64))
	notify(e, 0x00, 0xC6, 0x01, 0x02)
	if err := <-ch; !errors.Is(err, ErrMalformed) {
		t.Fatalf("应返回畸形错误，实际: %v", err)
	}
}

// 固件已生效：成功收尾且不发finalize
func TestUploadFirmware_Applied(t *testing.T) {
	e, sender, _ := newTestEngine()

	ch := startFirmwareUpload(t, e, make([]byte, 64))
	notify(e, 0x00, 0xC9)
	if err := <-ch; err != nil {
		t.Fatalf("应成功收尾: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("生效通知不应触发下行帧，实际%d帧", sender.count())
	}
}

func TestUploadFirmware_HexImage(t *testing.T) {
	e, _, _ := newTestEngine()

	ch := make(chan error, 1)
	go func() { ch <- e.UploadFirmware(context.Background(), "deadbeefcafe") }()
	waitUntil(t, time.Second, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.dfu != nil
	})
	notify(e, 0x00, 0xC9)
	if err := <-ch; err != nil {
		t.Fatalf("传输失败: %v", err)
	}
}

func TestUploadFirmware_BadInput(t *testing.T) {
	e, _, _ := newTestEngine()

	if err := e.UploadFirmware(context.Background(), "zz"); err == nil {
		t.Fatal("非法十六进制应被拒绝")
	}
	if err := e.UploadFirmwareBytes(context.Background(), nil); err == nil {
		t.Fatal("空镜像应被拒绝")
	}
}

func TestUploadFirmware_AlreadyInProgress(t *testing.T) {
	e, _, _ := newTestEngine()

	ch := startFirmwareUpload(t, e, make([]byte, 64))
	if err := e.UploadFirmwareBytes(context.Background(), make([]byte, 8)); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("应拒绝并发传输，实际: %v", err)
	}
	notify(e, 0x00, 0xC9)
	if err := <-ch; err != nil {
		t.Fatalf("首个传输不应受影响: %v", err)
	}
}

// 设备沉默时由ctx兜底
func TestUploadFirmware_ContextCancel(t *testing.T) {
	e, _, _ := newTestEngine()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- e.UploadFirmwareBytes(ctx, make([]byte, 64)) }()
	waitUntil(t, time.Second, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.dfu != nil
	})

	cancel()
	select {
	case err := <-ch:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消错误不符: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("取消未生效")
	}
}
