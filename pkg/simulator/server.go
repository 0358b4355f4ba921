package simulator

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/junbin-yang/inklink-go/pkg/transport/tcpbridge"
	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
)

// Server 把面板挂到TCP电桥上对外服务
// 面板同一时刻只认一条链路：新客户端接入会顶替旧客户端
type Server struct {
	panel    *Panel
	listener net.Listener
	stopChan chan struct{} // 用于通知停止的通道
	wg       sync.WaitGroup

	mu     sync.Mutex
	active net.Conn // 当前持有面板的连接
}

// NewServer 创建电桥服务端
func NewServer(panel *Panel) *Server {
	return &Server{
		panel:    panel,
		stopChan: make(chan struct{}),
	}
}

// Start 启动监听
// 参数：
//   - addr：监听地址，如"127.0.0.1:0"（端口0由系统分配，用Port()取回）
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("创建监听器失败：%v", err)
	}
	s.listener = listener

	// 面板收到重启命令时掐断当前链路，模拟设备重启掉线
	s.panel.SetRebootHook(s.kickActive)

	s.wg.Add(1)
	go s.acceptLoop()
	log.Infof("[SIM] 电桥服务就绪 %s", listener.Addr())
	return nil
}

// Stop 停止监听并断开当前客户端
func (s *Server) Stop() error {
	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
	s.kickActive()
	s.wg.Wait()
	return nil
}

// Port 返回实际监听端口
// 返回：
//   - 端口号（未启动时返回-1）
func (s *Server) Port() int {
	if s.listener == nil {
		return -1
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// acceptLoop 循环接受客户端连接
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan: // 收到停止信号
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan: // 停止信号导致的错误，直接返回
				return
			default:
				log.Errorf("[SIM] 接受连接错误: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection 处理单个客户端的生命周期
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	log.Infof("[SIM] 客户端接入 %s", conn.RemoteAddr())
	s.adopt(conn)
	defer s.release(conn)

	s.readLoop(conn)
}

// readLoop 接收并按电桥帧分发到面板
func (s *Server) readLoop(conn net.Conn) {
	buf := make([]byte, tcpbridge.RecvBuffSize)
	used := 0

	for {
		n, err := conn.Read(buf[used:])
		if err != nil {
			if err == io.EOF {
				log.Debugf("[SIM] 连接正常关闭 %s", conn.RemoteAddr())
			} else {
				log.Debugf("[SIM] 连接中断 %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		used += n

		processed, err := tcpbridge.DecodeFrames(buf, used, func(kind byte, payload []byte) {
			if kind != tcpbridge.FrameKindCommand {
				return
			}
			s.panel.HandleWrite(payload)
		})
		if err != nil {
			log.Errorf("[SIM] 帧解析失败，关闭连接: %v", err)
			return
		}

		// 移动未处理数据到缓冲区头部
		if processed > 0 {
			used -= processed
			if used > 0 {
				copy(buf, buf[processed:processed+used])
			}
		}
		if used >= len(buf) {
			log.Error("[SIM] 接收缓冲区溢出，关闭连接")
			return
		}
	}
}

// adopt 让新连接持有面板，旧连接被顶替下线
// 接管和挂载上行通道在同一临界区内完成，防止两条连接交错时
// 旧连接把自己的写回调晚一步盖到面板上
func (s *Server) adopt(conn net.Conn) {
	s.mu.Lock()
	old := s.active
	s.active = conn
	// 面板上行通知经电桥帧送回客户端
	s.panel.Attach(func(data []byte) {
		if _, err := conn.Write(tcpbridge.EncodeFrame(tcpbridge.FrameKindNotify, data)); err != nil {
			log.Warnf("[SIM] 通知发送失败: %v", err)
		}
	})
	s.mu.Unlock()

	if old != nil {
		log.Warnf("[SIM] 新客户端顶替旧连接 %s", old.RemoteAddr())
		old.Close()
	}
}

// release 连接退出时归还面板；已被顶替的连接不再触碰面板状态
func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	if s.active == conn {
		s.active = nil
		s.panel.Detach()
	}
	s.mu.Unlock()
}

// kickActive 掐断当前活动连接
func (s *Server) kickActive() {
	s.mu.Lock()
	conn := s.active
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
