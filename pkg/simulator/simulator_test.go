package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/connection"
	"github.com/junbin-yang/inklink-go/pkg/protocol"
	"github.com/junbin-yang/inklink-go/pkg/session"
	"github.com/junbin-yang/inklink-go/pkg/transport"
	"github.com/junbin-yang/inklink-go/pkg/transport/loopback"
	"github.com/junbin-yang/inklink-go/pkg/transport/tcpbridge"
)

// 启用测试日志，方便定位问题
func init() {
	log.SetFlags(log.Lmicroseconds | log.Lshortfile)
}

// recorder 引擎回调收集器
type recorder struct {
	progress     chan [2]int
	version      chan session.VersionInfo
	dfu          chan session.DfuProgress
	image        chan [2]int
	unhandled    chan []byte
	disconnected chan error
}

func newRecorder() *recorder {
	return &recorder{
		progress:     make(chan [2]int, 64),
		version:      make(chan session.VersionInfo, 8),
		dfu:          make(chan session.DfuProgress, 64),
		image:        make(chan [2]int, 256),
		unhandled:    make(chan []byte, 8),
		disconnected: make(chan error, 8),
	}
}

func (r *recorder) listener() *session.Listener {
	return &session.Listener{
		OnConfigProgress: func(received, total int) { r.progress <- [2]int{received, total} },
		OnVersion:        func(v session.VersionInfo) { r.version <- v },
		OnDfuProgress:    func(p session.DfuProgress) { r.dfu <- p },
		OnImageProgress:  func(sent, total int) { r.image <- [2]int{sent, total} },
		OnUnhandled: func(respType, command byte, payload []byte) {
			r.unhandled <- append([]byte{respType, command}, payload...)
		},
	}
}

// rig 主机侧整套组装：连接管理器+会话引擎，与CLI的接线方式一致
type rig struct {
	sup *connection.Supervisor
	eng *session.Engine
	rec *recorder
}

func newRig(tr transport.Transport) *rig {
	r := &rig{rec: newRecorder()}
	sl := &connection.StatusListener{
		OnNotify: func(data []byte) { r.eng.HandleNotification(data) },
		OnDisconnected: func(err error) {
			r.eng.Reset(err)
			r.rec.disconnected <- err
		},
	}
	r.sup = connection.NewSupervisor(tr, connection.Options{
		ReconnectDelay:       50 * time.Millisecond,
		MaxReconnectAttempts: 3,
		GattMaxRetries:       3,
		GattRetryDelay:       10 * time.Millisecond,
		ConnectTimeout:       2 * time.Second,
	}, sl)
	r.eng = session.NewEngine(r.sup, r.rec.listener())
	return r
}

func (r *rig) connect(t *testing.T, filter string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.sup.Connect(ctx, filter); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	t.Cleanup(r.sup.Disconnect)
}

// newLoopbackRig 面板经环回链路接入主机侧
func newLoopbackRig(t *testing.T, opts Options) (*rig, *Panel) {
	t.Helper()
	panel := New(opts)
	tr := loopback.New()
	tr.AddDevice(panel.Name(), "loop-1", panel)
	r := newRig(tr)
	r.connect(t, "INK")
	return r, panel
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("等待条件超时")
		}
		time.Sleep(time.Millisecond)
	}
}

func randomBytes(n int, seed int64) []byte {
	out := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(out)
	return out
}

func TestLoopbackConfigRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.Config = randomBytes(1200, 21)
	r, panel := newLoopbackRig(t, opts)
	ctx := testCtx(t)

	res, err := r.eng.ReadConfig(ctx)
	if err != nil {
		t.Fatalf("配置读取失败: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("完整读取不应有警告: %v", res.Warnings)
	}
	if !bytes.Equal(res.Data, opts.Config) {
		t.Fatalf("读取的配置与面板不一致: %d字节 vs %d字节", len(res.Data), len(opts.Config))
	}

	// 改写配置（450字节走分块路径）再读回
	next := randomBytes(450, 22)
	if err := r.eng.WriteConfig(ctx, next); err != nil {
		t.Fatalf("配置写入失败: %v", err)
	}
	if !bytes.Equal(panel.Config(), next) {
		t.Fatal("面板落下的配置与写入不一致")
	}

	res, err = r.eng.ReadConfig(ctx)
	if err != nil {
		t.Fatalf("二次读取失败: %v", err)
	}
	if !bytes.Equal(res.Data, next) {
		t.Fatal("二次读取结果与新配置不一致")
	}
}

func TestLoopbackConfigDropChunk(t *testing.T) {
	opts := DefaultOptions()
	opts.Config = randomBytes(1200, 5)
	opts.DropConfigChunk = 1
	r, _ := newLoopbackRig(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_, err := r.eng.ReadConfig(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("缺块应导致读取超时，实际: %v", err)
	}
}

func TestLoopbackConfigWriteRejected(t *testing.T) {
	opts := DefaultOptions()
	opts.RejectConfigWrite = true
	r, _ := newLoopbackRig(t, opts)

	err := r.eng.WriteConfig(testCtx(t), randomBytes(50, 6))
	if !errors.Is(err, session.ErrDeviceReportedError) {
		t.Fatalf("期望设备拒绝错误，实际: %v", err)
	}
}

func TestLoopbackVersionQuery(t *testing.T) {
	opts := DefaultOptions()
	opts.Major, opts.Minor, opts.Sha = 2, 9, "abc1234"
	r, _ := newLoopbackRig(t, opts)

	v, err := r.eng.QueryVersion(testCtx(t))
	if err != nil {
		t.Fatalf("版本查询失败: %v", err)
	}
	if v.Major != 2 || v.Minor != 9 || v.Sha != "abc1234" {
		t.Fatalf("版本不符: %s", v)
	}
	if cached, ok := r.eng.LastVersion(); !ok || cached != v {
		t.Fatal("版本缓存未更新")
	}
}

func TestLoopbackFirmwarePull(t *testing.T) {
	r, panel := newLoopbackRig(t, DefaultOptions())
	image := randomBytes(protocol.DfuBlockSize+812, 9)
	ctx := testCtx(t)

	resCh := make(chan error, 1)
	go func() { resCh <- r.eng.UploadFirmwareBytes(ctx, image) }()
	time.Sleep(100 * time.Millisecond) // 等主机侧就绪后再发起拉取
	panel.BeginFirmwarePull(7, protocol.TotalBlocks(len(image)))

	select {
	case err := <-resCh:
		if err != nil {
			t.Fatalf("固件上传失败: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("固件上传超时")
	}

	if !bytes.Equal(panel.Firmware(), image) {
		t.Fatalf("面板收到的固件不一致: %d字节 vs %d字节", len(panel.Firmware()), len(image))
	}

	// 进度事件覆盖两个块
	var events []session.DfuProgress
	for loop := true; loop; {
		select {
		case p := <-r.rec.dfu:
			events = append(events, p)
		default:
			loop = false
		}
	}
	if len(events) < 2 {
		t.Fatalf("进度事件过少: %d", len(events))
	}
	if events[0].Block != 0 || events[0].TotalBlocks != 2 {
		t.Fatalf("首个进度事件不符: %+v", events[0])
	}
	if last := events[len(events)-1]; last.Block != 1 {
		t.Fatalf("末个进度事件不符: %+v", last)
	}
}

func TestLoopbackFirmwarePullPartError(t *testing.T) {
	opts := DefaultOptions()
	opts.PartErrorAt = 2 // 第二个分片先拒一次，主机应原样重发
	r, panel := newLoopbackRig(t, opts)
	image := randomBytes(500, 10)
	ctx := testCtx(t)

	resCh := make(chan error, 1)
	go func() { resCh <- r.eng.UploadFirmwareBytes(ctx, image) }()
	time.Sleep(100 * time.Millisecond)
	panel.BeginFirmwarePull(8, protocol.TotalBlocks(len(image)))

	select {
	case err := <-resCh:
		if err != nil {
			t.Fatalf("固件上传失败: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("固件上传超时")
	}
	if !bytes.Equal(panel.Firmware(), image) {
		t.Fatal("重发后固件仍应完整一致")
	}
}

func TestLoopbackImageWrite(t *testing.T) {
	r, panel := newLoopbackRig(t, DefaultOptions())
	payload := randomBytes(3000, 13)

	res, err := r.eng.WriteImage(testCtx(t), payload, false)
	if err != nil {
		t.Fatalf("图像直写失败: %v", err)
	}
	if !res.Compressed {
		t.Fatal("3000字节应走压缩路径")
	}
	if res.RefreshDuration <= 0 || res.TotalDuration < res.RefreshDuration {
		t.Fatalf("耗时统计异常: %+v", res)
	}

	got, fast := panel.LastImage()
	if !bytes.Equal(got, payload) {
		t.Fatalf("面板还原的图像不一致: %d字节 vs %d字节", len(got), len(payload))
	}
	if fast {
		t.Fatal("未要求快刷")
	}
}

func TestLoopbackImageWriteFastUncompressed(t *testing.T) {
	r, panel := newLoopbackRig(t, DefaultOptions())
	// 随机数据压不动，超过压缩上限后退回明文路径
	payload := randomBytes(52*1024, 17)

	res, err := r.eng.WriteImage(testCtx(t), payload, true)
	if err != nil {
		t.Fatalf("图像直写失败: %v", err)
	}
	if res.Compressed {
		t.Fatal("不可压缩数据不应标记压缩")
	}
	wantChunks := (len(payload) + protocol.DirectChunkSize - 1) / protocol.DirectChunkSize
	if res.Chunks != wantChunks {
		t.Fatalf("分块数不符: %d != %d", res.Chunks, wantChunks)
	}

	got, fast := panel.LastImage()
	if !bytes.Equal(got, payload) {
		t.Fatal("面板还原的图像不一致")
	}
	if !fast {
		t.Fatal("快刷标记丢失")
	}
}

func TestLoopbackImageSwappedAcks(t *testing.T) {
	opts := DefaultOptions()
	opts.SwappedAcks = true
	r, panel := newLoopbackRig(t, opts)
	payload := randomBytes(1024, 3)

	if _, err := r.eng.WriteImage(testCtx(t), payload, false); err != nil {
		t.Fatalf("颠倒字节序的应答应被接受: %v", err)
	}
	if got, _ := panel.LastImage(); !bytes.Equal(got, payload) {
		t.Fatal("面板还原的图像不一致")
	}
}

func TestLoopbackImageRefreshTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.RefreshTimeout = true
	r, _ := newLoopbackRig(t, opts)

	_, err := r.eng.WriteImage(testCtx(t), randomBytes(600, 4), false)
	if !errors.Is(err, session.ErrRefreshTimeout) {
		t.Fatalf("期望刷新超时错误，实际: %v", err)
	}
}

func TestBridgeEndToEnd(t *testing.T) {
	opts := DefaultOptions()
	opts.Config = randomBytes(700, 31)
	panel := New(opts)

	srv := NewServer(panel)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("电桥服务启动失败: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	r := newRig(tcpbridge.New(fmt.Sprintf("127.0.0.1:%d", srv.Port())))
	r.connect(t, "INK")
	ctx := testCtx(t)

	v, err := r.eng.QueryVersion(ctx)
	if err != nil {
		t.Fatalf("版本查询失败: %v", err)
	}
	if v.Major != opts.Major || v.Minor != opts.Minor || v.Sha != opts.Sha {
		t.Fatalf("版本不符: %s", v)
	}

	res, err := r.eng.ReadConfig(ctx)
	if err != nil {
		t.Fatalf("配置读取失败: %v", err)
	}
	if !bytes.Equal(res.Data, opts.Config) {
		t.Fatal("经电桥读取的配置不一致")
	}

	payload := randomBytes(800, 32)
	if _, err := r.eng.WriteImage(ctx, payload, false); err != nil {
		t.Fatalf("图像直写失败: %v", err)
	}
	if got, _ := panel.LastImage(); !bytes.Equal(got, payload) {
		t.Fatal("经电桥写入的图像不一致")
	}
}

func TestBridgeRebootReconnect(t *testing.T) {
	panel := New(DefaultOptions())
	srv := NewServer(panel)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("电桥服务启动失败: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	r := newRig(tcpbridge.New(fmt.Sprintf("127.0.0.1:%d", srv.Port())))
	r.connect(t, "INK")

	if _, err := r.eng.QueryVersion(testCtx(t)); err != nil {
		t.Fatalf("重启前版本查询失败: %v", err)
	}

	// 重启命令让模拟器掐断链路
	if err := r.eng.Reboot(); err != nil {
		t.Fatalf("重启命令发送失败: %v", err)
	}
	select {
	case <-r.rec.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("重启后未观察到断链事件")
	}

	// 连接管理器应自动重连回同一面板
	waitUntil(t, 3*time.Second, r.sup.IsConnected)
	v, err := r.eng.QueryVersion(testCtx(t))
	if err != nil {
		t.Fatalf("重连后版本查询失败: %v", err)
	}
	if v.Major != 1 || v.Minor != 4 {
		t.Fatalf("重连后版本不符: %s", v)
	}
}
