package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/devconfig"
	"github.com/junbin-yang/inklink-go/pkg/simulator"
	"github.com/junbin-yang/inklink-go/pkg/utils/config"
	"github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// 面板参数与故障注入开关（命令行优先于配置文件）
var (
	flagName        = flag.String("name", "", "面板广播名（默认INK-PANEL-01）")
	flagListen      = flag.String("listen", "", "监听地址，默认取配置文件")
	flagPanelConfig = flag.String("panel-config", "", "面板初始配置的二进制文件（默认内置样例配置）")

	flagDropChunk      = flag.Int("drop-chunk", -1, "配置读取时丢弃的块序号（负数关闭）")
	flagRejectWrite    = flag.Bool("reject-config-write", false, "拒绝所有配置写入")
	flagPartError      = flag.Int("part-error", 0, "第n个固件分片先拒一次（0关闭）")
	flagSwappedAcks    = flag.Bool("swapped-acks", false, "直写应答按颠倒字节序回发")
	flagRefreshTimeout = flag.Bool("refresh-timeout", false, "直写结束后上报刷新超时")
	flagRefreshDelayMs = flag.Int("refresh-delay", 0, "模拟刷新耗时（毫秒，0取默认）")
)

// defaultPanelConfig 内置样例配置：按内置结构表组一份可解析的配置
func defaultPanelConfig() []byte {
	blob := &devconfig.Blob{
		Version: 1,
		Packets: []devconfig.Packet{
			{Number: 1, ID: 0x01, Payload: []byte{0xEA, 0x07, 0x08, 0x19, 0x0A, 0x00, 0x00}}, // 2026-08-25 10:00:00
			{Number: 2, ID: 0x02, Payload: []byte{0x80}},
			{Number: 3, ID: 0x03, Payload: []byte{0x01, 0x1E}},
			{Number: 4, ID: 0x04, Payload: []byte{0x08, 0x00}},
			{Number: 5, ID: 0x05, Payload: []byte{0x2C, 0x01, 0x84, 0x03}},
		},
	}
	return blob.Encode()
}

func main() {
	conf := config.Parse()

	opts := simulator.DefaultOptions()
	if *flagName != "" {
		opts.Name = *flagName
	}
	if *flagPanelConfig != "" {
		data, err := os.ReadFile(*flagPanelConfig)
		if err != nil {
			fmt.Printf("读取面板配置失败: %v\n", err)
			os.Exit(1)
		}
		opts.Config = data
	} else {
		opts.Config = defaultPanelConfig()
	}
	opts.DropConfigChunk = *flagDropChunk
	opts.RejectConfigWrite = *flagRejectWrite
	opts.PartErrorAt = *flagPartError
	opts.SwappedAcks = *flagSwappedAcks
	opts.RefreshTimeout = *flagRefreshTimeout
	if *flagRefreshDelayMs > 0 {
		opts.RefreshDelay = time.Duration(*flagRefreshDelayMs) * time.Millisecond
	}

	panel := simulator.New(opts)
	srv := simulator.NewServer(panel)

	listen := conf.Simulator.Listen
	if *flagListen != "" {
		listen = *flagListen
	}
	if err := srv.Start(listen); err != nil {
		fmt.Printf("启动失败: %v\n", err)
		os.Exit(1)
	}

	// 组播通告失败只降级为仅TCP直连，不终止进程
	announcer := simulator.NewAnnouncer(simulator.Beacon{
		Name:    opts.Name,
		Port:    srv.Port(),
		Version: fmt.Sprintf("%d.%d", opts.Major, opts.Minor),
	}, time.Duration(conf.Simulator.AnnounceIntervalMs)*time.Millisecond)
	if err := announcer.Start(); err != nil {
		logger.Warnf("[SIM] 组播通告不可用，仅支持直连: %v", err)
		announcer = nil
	}

	fmt.Printf("面板模拟器已启动: %s 端口%d 固件%d.%d (%s)\n",
		opts.Name, srv.Port(), opts.Major, opts.Minor, opts.Sha)
	fmt.Println("按Ctrl+C退出")

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\n收到中断信号，正在关闭...")
	if announcer != nil {
		announcer.Stop()
	}
	srv.Stop()
	logger.Sync()
}
