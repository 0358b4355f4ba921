package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/junbin-yang/inklink-go/pkg/connection"
	"github.com/junbin-yang/inklink-go/pkg/devconfig"
	"github.com/junbin-yang/inklink-go/pkg/protocol"
	"github.com/junbin-yang/inklink-go/pkg/schema"
	"github.com/junbin-yang/inklink-go/pkg/session"
	"github.com/junbin-yang/inklink-go/pkg/simulator"
	"github.com/junbin-yang/inklink-go/pkg/transport"
	"github.com/junbin-yang/inklink-go/pkg/transport/ble"
	"github.com/junbin-yang/inklink-go/pkg/transport/tcpbridge"
	"github.com/junbin-yang/inklink-go/pkg/utils/config"
	"github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// 阻塞式会话的超时预算
const (
	versionTimeout = 10 * time.Second
	configTimeout  = 30 * time.Second
	imageTimeout   = 5 * time.Minute
	dfuTimeout     = 10 * time.Minute
)

// CLI 命令行工具结构
type CLI struct {
	conf  *config.Config
	table *schema.Table

	sup *connection.Supervisor
	eng *session.Engine

	sims       []simulator.PanelAddr // discover命中的模拟器列表
	lastConfig *devconfig.Blob       // 最近一次config read的解析结果
}

// NewCLI 创建CLI实例
func NewCLI() *CLI {
	return &CLI{}
}

// Initialize 初始化CLI
func (c *CLI) Initialize() error {
	logger.Info("[CLI] 正在初始化...")
	c.conf = config.Parse()

	// 加载报文结构表，未配置时使用内置表
	if c.conf.Device.SchemaFile != "" {
		table, err := schema.Load(c.conf.Device.SchemaFile)
		if err != nil {
			return fmt.Errorf("加载结构表失败: %v", err)
		}
		c.table = table
		logger.Infof("[CLI] 结构表已加载: %s", c.conf.Device.SchemaFile)
	} else {
		c.table = schema.Default()
		logger.Info("[CLI] 使用内置结构表")
	}

	logger.Info("[CLI] 初始化完成")
	return nil
}

// Shutdown 关闭CLI
func (c *CLI) Shutdown() {
	logger.Info("[CLI] 正在关闭...")
	if c.sup != nil {
		c.sup.Disconnect()
	}
	logger.Sync()
	logger.Info("[CLI] 已关闭")
}

// linkOptions 把配置文件的毫秒参数换算为连接管理参数
func (c *CLI) linkOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.ReconnectDelay = time.Duration(c.conf.Link.ReconnectDelayMs) * time.Millisecond
	opts.MaxReconnectAttempts = c.conf.Link.MaxReconnectAttempts
	opts.GattMaxRetries = c.conf.Link.GattMaxRetries
	opts.GattRetryDelay = time.Duration(c.conf.Link.GattRetryDelayMs) * time.Millisecond
	return opts
}

// connectWith 用指定介质建立连接，已有连接会先断开
func (c *CLI) connectWith(tr transport.Transport, filter string) error {
	if c.sup != nil {
		c.sup.Disconnect()
	}

	sl := &connection.StatusListener{
		OnConnected: func(dev transport.DeviceHandle) {
			logger.Infof("[CLI] 已连接: %s (%s)", dev.Name(), dev.Address())
		},
		OnNotify: func(data []byte) { c.eng.HandleNotification(data) },
		OnDisconnected: func(err error) {
			c.eng.Reset(err)
			if err != nil {
				fmt.Printf("\n>>> 链路断开: %v <<<\n", err)
				fmt.Print("inklink> ")
			}
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			fmt.Printf("\n>>> %v后发起第%d次重连 <<<\n", delay, attempt)
			fmt.Print("inklink> ")
		},
		OnTerminated: func() {
			fmt.Print("\n>>> 重连次数耗尽，请手动connect <<<\ninklink> ")
		},
	}
	c.sup = connection.NewSupervisor(tr, c.linkOptions(), sl)
	c.eng = session.NewEngine(c.sup, c.engineListener())

	ctx, cancel := context.WithTimeout(context.Background(), c.linkOptions().ConnectTimeout)
	defer cancel()
	return c.sup.Connect(ctx, filter)
}

// engineListener 引擎回调：进度走行内刷新，异步事件走通知行
func (c *CLI) engineListener() *session.Listener {
	return &session.Listener{
		OnConfigProgress: func(received, total int) {
			fmt.Printf("\r读取配置: %d/%d字节    ", received, total)
		},
		OnDfuProgress: func(p session.DfuProgress) {
			fmt.Printf("\r固件传输: 块%d/%d 分片%d/%d    ", p.Block+1, p.TotalBlocks, p.Part, p.TotalParts)
		},
		OnImageProgress: func(sent, total int) {
			fmt.Printf("\r图像发送: %d/%d块    ", sent, total)
		},
		OnVersion: func(v session.VersionInfo) {
			logger.Infof("[CLI] 设备版本: %s", v)
		},
		OnGenericAck: func(payload []byte) {
			fmt.Printf("\n>>> 设备确认: % X <<<\n", payload)
			fmt.Print("inklink> ")
		},
		OnGenericError: func(err error) {
			fmt.Printf("\n>>> 设备错误: %v <<<\n", err)
			fmt.Print("inklink> ")
		},
		OnUnhandled: func(respType, command byte, payload []byte) {
			logger.Warnf("[CLI] 未处理通知: %s payload=%d", protocol.NotifyName(respType, command), len(payload))
		},
	}
}

// requireLink 校验当前链路可用
func (c *CLI) requireLink() bool {
	if c.sup == nil || !c.sup.IsConnected() {
		fmt.Println("尚未连接设备，请先执行 connect")
		return false
	}
	return true
}

// DiscoverSims 组播收集模拟器通告
func (c *CLI) DiscoverSims(wait time.Duration) error {
	fmt.Printf("正在收集组播通告（%v）...\n", wait)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	sims, err := simulator.DiscoverPanels(ctx)
	if err != nil {
		return fmt.Errorf("组播发现失败: %v", err)
	}
	c.sims = sims

	if len(sims) == 0 {
		fmt.Println("未发现任何模拟器")
		return nil
	}
	fmt.Printf("共发现%d台模拟器:\n", len(sims))
	for i, s := range sims {
		fmt.Printf("  [%d] %s  %s  版本%s\n", i, s.Name, s.DialAddr(), s.Version)
	}
	fmt.Println("使用 connect sim <序号|地址> 连接")
	return nil
}

// ConnectBle 经蓝牙连接名称命中前缀的面板
func (c *CLI) ConnectBle(filter string) error {
	fmt.Printf("正在扫描前缀为 %q 的设备...\n", filter)
	if err := c.connectWith(ble.New(), filter); err != nil {
		return err
	}
	dev := c.sup.Device()
	fmt.Printf("✓ 已连接 %s (%s)\n", dev.Name(), dev.Address())
	return nil
}

// ConnectSim 经TCP电桥连接模拟器
func (c *CLI) ConnectSim(target string) error {
	// 支持discover结果的序号
	if idx, err := strconv.Atoi(target); err == nil {
		if idx < 0 || idx >= len(c.sims) {
			return fmt.Errorf("序号%d超出发现列表（共%d台）", idx, len(c.sims))
		}
		target = c.sims[idx].DialAddr()
	}

	fmt.Printf("正在连接模拟器 %s...\n", target)
	if err := c.connectWith(tcpbridge.New(target), tcpbridge.SimDeviceName); err != nil {
		return err
	}
	fmt.Printf("✓ 已连接模拟器 %s\n", target)
	return nil
}

// Status 打印连接与版本状态
func (c *CLI) Status() {
	if c.sup == nil {
		fmt.Println("状态: 未初始化连接")
		return
	}
	fmt.Printf("连接状态: %s\n", c.sup.State())
	if dev := c.sup.Device(); dev != nil {
		fmt.Printf("设备: %s (%s)\n", dev.Name(), dev.Address())
	}
	if c.eng != nil {
		if v, ok := c.eng.LastVersion(); ok {
			fmt.Printf("固件版本: %s\n", v)
		}
	}
	if c.lastConfig != nil {
		fmt.Printf("本地配置快照: %d条报文, 版本%d\n", len(c.lastConfig.Packets), c.lastConfig.Version)
	}
}

// ReadConfig 读取并解析面板配置
func (c *CLI) ReadConfig() error {
	ctx, cancel := context.WithTimeout(context.Background(), configTimeout)
	defer cancel()

	res, err := c.eng.ReadConfig(ctx)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("配置读取失败: %v", err)
	}
	for _, w := range res.Warnings {
		fmt.Printf("警告: %s\n", w)
	}

	blob, err := devconfig.Decode(res.Data, c.table)
	if err != nil {
		return fmt.Errorf("配置解析失败: %v", err)
	}
	for _, w := range blob.Warnings {
		fmt.Printf("警告: %v\n", w)
	}
	c.lastConfig = blob

	fmt.Printf("✓ 配置读取完成: 共%d字节, 版本%d, %d条报文\n", len(res.Data), blob.Version, len(blob.Packets))
	for i := range blob.Packets {
		p := &blob.Packets[i]
		name := c.table.Name(p.ID)
		if name == "" {
			name = "未登记"
		}
		fmt.Printf("  #%-3d ID=0x%02X %-16s %d字节\n", p.Number, p.ID, name, len(p.Payload))
	}
	if len(blob.Rest) > 0 {
		fmt.Printf("  未解析尾部: %d字节\n", len(blob.Rest))
	}
	return nil
}

// WriteConfigHex 写入十六进制串表示的完整配置
func (c *CLI) WriteConfigHex(hexStr string) error {
	data, err := protocol.DecodeHex(hexStr)
	if err != nil {
		return fmt.Errorf("十六进制解析失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), configTimeout)
	defer cancel()
	if err := c.eng.WriteConfig(ctx, data); err != nil {
		return fmt.Errorf("配置写入失败: %v", err)
	}
	fmt.Printf("✓ 配置写入完成: %d字节\n", len(data))
	return nil
}

// GetField 从本地配置快照中读取命名字段
func (c *CLI) GetField(idStr, name string) error {
	if c.lastConfig == nil {
		return fmt.Errorf("尚无配置快照，请先执行 config read")
	}
	id, err := strconv.ParseUint(idStr, 0, 8)
	if err != nil {
		return fmt.Errorf("报文ID无法解析: %v", err)
	}

	pkt := c.lastConfig.Packet(byte(id))
	if pkt == nil {
		return fmt.Errorf("配置中无ID=0x%02X的报文", id)
	}
	field, err := pkt.Field(c.table, name)
	if err != nil {
		return err
	}

	fmt.Printf("报文0x%02X 字段%s = % X", id, name, field)
	if v, err := pkt.Uint(c.table, name); err == nil {
		fmt.Printf(" (%d)", v)
	}
	fmt.Println()
	return nil
}

// QueryVersion 查询固件版本
func (c *CLI) QueryVersion() error {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()

	v, err := c.eng.QueryVersion(ctx)
	if err != nil {
		return fmt.Errorf("版本查询失败: %v", err)
	}
	fmt.Printf("✓ 固件版本: %s\n", v)
	return nil
}

// UploadFirmware 上传十六进制固件文件，等待设备逐块拉取
func (c *CLI) UploadFirmware(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取固件文件失败: %v", err)
	}

	fmt.Println("固件已就绪，等待设备发起拉取（设备需处于升级模式）...")
	ctx, cancel := context.WithTimeout(context.Background(), dfuTimeout)
	defer cancel()

	start := time.Now()
	err = c.eng.UploadFirmware(ctx, strings.TrimSpace(string(raw)))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("固件传输失败: %v", err)
	}
	fmt.Printf("✓ 固件传输完成，耗时%v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// WriteImage 直写图像文件
func (c *CLI) WriteImage(path string, fast bool) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取图像文件失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), imageTimeout)
	defer cancel()

	res, err := c.eng.WriteImage(ctx, payload, fast)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("图像直写失败: %v", err)
	}
	mode := "明文"
	if res.Compressed {
		mode = "压缩"
	}
	fmt.Printf("✓ 刷新完成: %s传输%d块, 上传%v, 刷新%v, 合计%v\n",
		mode, res.Chunks,
		res.UploadDuration.Round(time.Millisecond),
		res.RefreshDuration.Round(time.Millisecond),
		res.TotalDuration.Round(time.Millisecond))
	return nil
}

// Reboot 发送重启命令
func (c *CLI) Reboot() error {
	if err := c.eng.Reboot(); err != nil {
		return fmt.Errorf("重启命令发送失败: %v", err)
	}
	fmt.Println("✓ 重启命令已发出，设备即将断开")
	return nil
}

// InteractiveMode 交互式模式
func (c *CLI) InteractiveMode() {
	fmt.Println("\n===========================================")
	fmt.Println("    inklink 墨水屏面板主机工具 (交互模式)")
	fmt.Printf("    默认名称过滤: %s\n", c.conf.Device.NameFilter)
	fmt.Println("===========================================")
	fmt.Println("\n输入 'help' 查看可用命令")

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("\ninklink> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]

		switch cmd {
		case "help", "h":
			c.printHelp()

		case "discover":
			if err := c.DiscoverSims(2 * time.Second); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "connect":
			if len(parts) >= 2 && parts[1] == "sim" {
				if len(parts) < 3 {
					fmt.Println("用法: connect sim <序号|地址>")
					continue
				}
				if err := c.ConnectSim(parts[2]); err != nil {
					fmt.Printf("错误: %v\n", err)
				}
				continue
			}
			filter := c.conf.Device.NameFilter
			if len(parts) >= 2 {
				filter = parts[1]
			}
			if err := c.ConnectBle(filter); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "disconnect":
			if c.sup != nil {
				c.sup.Disconnect()
				fmt.Println("✓ 已断开")
			}

		case "status":
			c.Status()

		case "config":
			if len(parts) < 2 {
				fmt.Println("用法: config read | config write <十六进制> | config get <报文ID> <字段>")
				continue
			}
			// config get走本地快照，离线也可用
			if parts[1] != "get" && !c.requireLink() {
				continue
			}
			var err error
			switch parts[1] {
			case "read":
				err = c.ReadConfig()
			case "write":
				if len(parts) < 3 {
					fmt.Println("用法: config write <十六进制>")
					continue
				}
				err = c.WriteConfigHex(parts[2])
			case "get":
				if len(parts) < 4 {
					fmt.Println("用法: config get <报文ID> <字段>  (如 config get 0x01 refresh_mode)")
					continue
				}
				err = c.GetField(parts[2], parts[3])
			default:
				fmt.Printf("未知子命令: %s\n", parts[1])
				continue
			}
			if err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "version":
			if !c.requireLink() {
				continue
			}
			if err := c.QueryVersion(); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "dfu":
			if !c.requireLink() {
				continue
			}
			if len(parts) < 2 {
				fmt.Println("用法: dfu <十六进制固件文件>")
				continue
			}
			if err := c.UploadFirmware(parts[1]); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "image":
			if !c.requireLink() {
				continue
			}
			if len(parts) < 2 {
				fmt.Println("用法: image <图像文件> [fast]")
				continue
			}
			fast := len(parts) >= 3 && parts[2] == "fast"
			if err := c.WriteImage(parts[1], fast); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "reboot":
			if !c.requireLink() {
				continue
			}
			if err := c.Reboot(); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "exit", "quit", "q":
			fmt.Println("再见！")
			return

		default:
			fmt.Printf("未知命令: %s (输入 'help' 查看帮助)\n", cmd)
		}
	}
}

// printHelp 打印帮助信息
func (c *CLI) printHelp() {
	fmt.Println("\n可用命令:")
	fmt.Println("  help, h                     - 显示此帮助")
	fmt.Println("  discover                    - 组播发现局域网内的模拟器")
	fmt.Println("  connect [前缀]              - 蓝牙扫描并连接面板（默认前缀取配置）")
	fmt.Println("  connect sim <序号|地址>     - 经TCP电桥连接模拟器")
	fmt.Println("  disconnect                  - 断开当前连接")
	fmt.Println("  status                      - 查看连接状态与版本缓存")
	fmt.Println("  config read                 - 读取并解析面板配置")
	fmt.Println("  config write <十六进制>     - 写入完整配置")
	fmt.Println("  config get <报文ID> <字段>  - 从配置快照取命名字段")
	fmt.Println("  version                     - 查询固件版本")
	fmt.Println("  dfu <固件文件>              - 固件升级（十六进制文件，设备拉取）")
	fmt.Println("  image <文件> [fast]         - 直写图像并刷新，fast为快刷")
	fmt.Println("  reboot                      - 重启设备")
	fmt.Println("  exit, quit, q               - 退出程序")
	fmt.Println()
	fmt.Println("典型流程:")
	fmt.Println("  1. discover                 - 发现模拟器（或直接connect扫描蓝牙）")
	fmt.Println("  2. connect sim 0            - 连接第一台模拟器")
	fmt.Println("  3. version                  - 确认固件版本")
	fmt.Println("  4. config read              - 读取面板配置")
	fmt.Println("  5. image photo.bin fast     - 直写一张图像")
	fmt.Println()
}

func main() {
	// 创建CLI
	cli := NewCLI()

	// 初始化
	if err := cli.Initialize(); err != nil {
		fmt.Printf("初始化失败: %v\n", err)
		os.Exit(1)
	}

	// 设置信号处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 启动信号处理goroutine
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cli.Shutdown()
		os.Exit(0)
	}()

	// 延迟关闭
	defer cli.Shutdown()

	// 启动交互式模式
	cli.InteractiveMode()
}
