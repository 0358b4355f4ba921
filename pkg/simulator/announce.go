package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

const (
	AnnounceGroup = "239.255.80.80" // 面板通告组播组
	AnnouncePort  = 5688            // 通告端口（UDP）
	AnnounceTTL   = 64              // 组播TTL

	beaconBufSize = 512
)

// 错误定义
var (
	ErrAnnounceSocket = errors.New("announce socket create failed")
	ErrGroupJoin      = errors.New("join multicast group failed")
)

// Beacon 面板通告报文（JSON编码）
type Beacon struct {
	Name    string `json:"name"`    // 面板广播名
	Port    int    `json:"port"`    // 电桥服务端口
	Version string `json:"version"` // 固件版本，如"1.4"
}

// Announcer 周期性向组播组通告面板存在
type Announcer struct {
	beacon   Beacon
	interval time.Duration
	conn     *net.UDPConn
	stopChan chan struct{} // 用于通知停止的通道
	wg       sync.WaitGroup
}

// NewAnnouncer 创建通告器
// 参数：
//   - beacon：通告内容
//   - interval：通告间隔，非正值时取3秒
func NewAnnouncer(beacon Beacon, interval time.Duration) *Announcer {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Announcer{
		beacon:   beacon,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start 建立组播发送端并开始周期通告
func (a *Announcer) Start() error {
	group := &net.UDPAddr{IP: net.ParseIP(AnnounceGroup), Port: AnnouncePort}
	conn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return ErrAnnounceSocket
	}

	packetConn := ipv4.NewPacketConn(conn)
	// 设置组播TTL
	if err := packetConn.SetMulticastTTL(AnnounceTTL); err != nil {
		conn.Close()
		return ErrAnnounceSocket
	}
	// 保留组播回环：模拟器与主机常在同一台机器上，回环关掉就互相看不见了
	if err := packetConn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return ErrAnnounceSocket
	}

	a.conn = conn
	a.wg.Add(1)
	go a.announceLoop()
	log.Infof("[SIM] 组播通告开启 %s:%d name=%s port=%d", AnnounceGroup, AnnouncePort, a.beacon.Name, a.beacon.Port)
	return nil
}

// Stop 停止通告并关闭socket
func (a *Announcer) Stop() {
	close(a.stopChan)
	a.wg.Wait()
	if a.conn != nil {
		a.conn.Close()
	}
}

// announceLoop 先通告一次，随后按间隔重复
func (a *Announcer) announceLoop() {
	defer a.wg.Done()

	a.sendBeacon()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.sendBeacon()
		}
	}
}

func (a *Announcer) sendBeacon() {
	data, err := json.Marshal(a.beacon)
	if err != nil {
		log.Errorf("[SIM] 通告编码失败: %v", err)
		return
	}
	if _, err := a.conn.Write(data); err != nil {
		log.Warnf("[SIM] 通告发送失败: %v", err)
	}
}

// PanelAddr 一次组播发现命中的面板
type PanelAddr struct {
	Beacon
	Host string // 通告来源IP
}

// DialAddr 面板电桥服务的拨号地址
func (p PanelAddr) DialAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// DiscoverPanels 监听组播通告直到ctx结束，返回去重后的面板列表
// 调用方通过ctx的超时或取消控制收集时长
func DiscoverPanels(ctx context.Context) ([]PanelAddr, error) {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: AnnouncePort}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, ErrAnnounceSocket
	}
	defer conn.Close()

	// 在所有可组播网卡上入组，一个都没成时退回系统默认网卡
	packetConn := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.ParseIP(AnnounceGroup)}
	joined := 0
	if ifaces, err := net.Interfaces(); err == nil {
		for i := range ifaces {
			ifi := ifaces[i]
			if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
				continue
			}
			if err := packetConn.JoinGroup(&ifi, group); err == nil {
				joined++
			}
		}
	}
	if joined == 0 {
		if err := packetConn.JoinGroup(nil, group); err != nil {
			return nil, ErrGroupJoin
		}
	}

	// ctx结束时打断阻塞读取
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	found := make(map[string]PanelAddr)
	buf := make([]byte, beaconBufSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("[SIM] 通告接收错误: %v", err)
			}
			break
		}
		var b Beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			log.Debugf("[SIM] 忽略无法解析的通告（来自%s）: %v", src.IP, err)
			continue
		}
		p := PanelAddr{Beacon: b, Host: src.IP.String()}
		if _, ok := found[p.DialAddr()]; !ok {
			log.Infof("[SIM] 发现面板 %s@%s 版本%s", b.Name, p.DialAddr(), b.Version)
		}
		found[p.DialAddr()] = p
	}

	out := make([]PanelAddr, 0, len(found))
	for _, p := range found {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Host < out[j].Host
	})
	return out, nil
}
