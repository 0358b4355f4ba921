package session

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"
)

// 启用测试日志，方便定位问题
func init() {
	log.SetFlags(log.Lmicroseconds | log.Lshortfile)
}

// fakeSender 记录下行帧的假链路，可预置发送错误
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	errs   []error // 按次弹出，nil表示该次成功
}

func (f *fakeSender) SendCommand(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeSender) failNext(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSender) frame(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.frames) {
		return nil
	}
	return append([]byte(nil), f.frames[i]...)
}

// waitFrames 等待下行帧数量达到n
func (f *fakeSender) waitFrames(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for f.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("等待第%d帧超时，实际只有%d帧", n, f.count())
		}
		time.Sleep(time.Millisecond)
	}
}

// listenerRecorder 持久回调收集器
type listenerRecorder struct {
	progress  chan [2]int
	version   chan VersionInfo
	ack       chan []byte
	genErr    chan error
	dfu       chan DfuProgress
	image     chan [2]int
	unhandled chan []byte
}

func newListenerRecorder() *listenerRecorder {
	return &listenerRecorder{
		progress:  make(chan [2]int, 64),
		version:   make(chan VersionInfo, 8),
		ack:       make(chan []byte, 8),
		genErr:    make(chan error, 8),
		dfu:       make(chan DfuProgress, 64),
		image:     make(chan [2]int, 256),
		unhandled: make(chan []byte, 8),
	}
}

func (r *listenerRecorder) listener() *Listener {
	return &Listener{
		OnConfigProgress: func(received, total int) { r.progress <- [2]int{received, total} },
		OnVersion:        func(v VersionInfo) { r.version <- v },
		OnGenericAck:     func(p []byte) { r.ack <- append([]byte(nil), p...) },
		OnGenericError:   func(err error) { r.genErr <- err },
		OnDfuProgress:    func(p DfuProgress) { r.dfu <- p },
		OnImageProgress:  func(sent, total int) { r.image <- [2]int{sent, total} },
		OnUnhandled: func(respType, command byte, payload []byte) {
			r.unhandled <- append([]byte{respType, command}, payload...)
		},
	}
}

func newTestEngine() (*Engine, *fakeSender, *listenerRecorder) {
	sender := &fakeSender{}
	rec := newListenerRecorder()
	return NewEngine(sender, rec.listener()), sender, rec
}

// notify 组帧并投递一条通知
func notify(e *Engine, respType, command byte, payload ...byte) {
	e.HandleNotification(append([]byte{respType, command}, payload...))
}

func TestGenericAck(t *testing.T) {
	e, _, rec := newTestEngine()

	notify(e, 0x00, 0x63, 0xAA, 0xBB)
	select {
	case p := <-rec.ack:
		if !bytes.Equal(p, []byte{0xAA, 0xBB}) {
			t.Fatalf("确认负载不符: % X", p)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到通用确认回调")
	}
}

func TestGenericError(t *testing.T) {
	e, _, rec := newTestEngine()

	notify(e, 0xFF, 0xFF)
	select {
	case err := <-rec.genErr:
		if !errors.Is(err, ErrDeviceReportedError) {
			t.Fatalf("错误类型不符: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到通用错误回调")
	}
}

func TestUnhandledNotification(t *testing.T) {
	e, _, rec := newTestEngine()

	notify(e, 0x00, 0x99, 0x01)
	select {
	case raw := <-rec.unhandled:
		if !bytes.Equal(raw, []byte{0x00, 0x99, 0x01}) {
			t.Fatalf("未处理通知内容不符: % X", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到未处理通知回调")
	}
}

// 分发顺序是协议契约的一部分：操作码空间不保证互斥，
// 靠固定顺序与在弦检查消歧
func TestDispatchOrder(t *testing.T) {
	e, _, _ := newTestEngine()

	want := []string{"config-read", "config-write", "version", "direct-write", "dfu", "generic"}
	if len(e.dispatch) != len(want) {
		t.Fatalf("分发表长度不符: %d != %d", len(e.dispatch), len(want))
	}
	for i, entry := range e.dispatch {
		if entry.name != want[i] {
			t.Fatalf("分发表第%d项应为%s, 实际%s", i, want[i], entry.name)
		}
	}
}

// 畸形帧只丢弃，不影响引擎继续工作
func TestMalformedFrameIgnored(t *testing.T) {
	e, _, rec := newTestEngine()

	e.HandleNotification([]byte{0x63})
	e.HandleNotification(nil)

	notify(e, 0x00, 0x63)
	select {
	case <-rec.ack:
	case <-time.After(time.Second):
		t.Fatal("畸形帧之后引擎不再分发")
	}
}

func TestReboot(t *testing.T) {
	e, sender, _ := newTestEngine()

	if err := e.Reboot(); err != nil {
		t.Fatalf("重启命令发送失败: %v", err)
	}
	if got := sender.frame(0); !bytes.Equal(got, []byte{0x00, 0x0F}) {
		t.Fatalf("重启帧不符: % X", got)
	}
}

// Reset让所有在弦会话立即以重置错误收尾
func TestResetCompletesPending(t *testing.T) {
	e, sender, _ := newTestEngine()

	readErr := make(chan error, 1)
	go func() {
		_, err := e.ReadConfig(context.Background())
		readErr <- err
	}()
	sender.waitFrames(t, 1, time.Second)

	dfuErr := make(chan error, 1)
	go func() {
		dfuErr <- e.UploadFirmwareBytes(context.Background(), bytes.Repeat([]byte{0x5A}, 64))
	}()
	// 等DFU会话上弦（入口不发帧，只能短暂让步）
	waitUntil(t, time.Second, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.dfu != nil
	})

	e.Reset(errors.New("link down"))

	for name, ch := range map[string]chan error{"配置读取": readErr, "固件传输": dfuErr} {
		select {
		case err := <-ch:
			if !errors.Is(err, ErrReset) {
				t.Fatalf("%s收尾错误不符: %v", name, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s未被重置", name)
		}
	}
}

// Reset之后引擎可以直接继续使用
func TestResetThenReuse(t *testing.T) {
	e, sender, _ := newTestEngine()

	go func() { _, _ = e.ReadConfig(context.Background()) }()
	sender.waitFrames(t, 1, time.Second)
	e.Reset(nil)

	res := make(chan error, 1)
	go func() {
		_, err := e.ReadConfig(context.Background())
		res <- err
	}()
	sender.waitFrames(t, 2, time.Second)
	notify(e, 0x00, 0x40, 0x00, 0x00, 0x02, 0x00, 0xAB, 0xCD)
	select {
	case err := <-res:
		if err != nil {
			t.Fatalf("重置后的读取失败: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("重置后的读取未完成")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("等待条件成立超时")
		}
		time.Sleep(time.Millisecond)
	}
}
