package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/junbin-yang/inklink-go/pkg/utils/logger"
	"gopkg.in/yaml.v2"
)

var (
	APPNAME    string = "inklink"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

type Config struct {
	Device struct {
		NameFilter string // 设备名前缀过滤，逗号分隔
		SchemaFile string // 数据包结构表文件路径（为空时使用内置表）
	}
	Link struct {
		ReconnectDelayMs     int // 重连基础延迟（毫秒）
		MaxReconnectAttempts int // 最大自动重连次数
		GattMaxRetries       int // 写入繁忙时的最大重试次数
		GattRetryDelayMs     int // 写入重试间隔（毫秒）
	}
	Simulator struct {
		Listen             string // 模拟器监听地址
		AnnounceIntervalMs int    // 组播通告间隔（毫秒）
	}
	Logger struct {
		Dir    string
		Level  string
		Rotate bool
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stdout, APPNAME+", version: "+VERSION+" (built at "+BUILD_TIME+") "+GO_VERSION)
		flag.PrintDefaults()
	}
}

// Parse 加载配置文件并初始化日志
// 优先读取可执行文件同目录下的<APPNAME>.yml，不存在时尝试/etc/<APPNAME>.yml，
// 两处均不存在时使用内置默认值。
// 命令行在此解析，使用方自定义的flag需在调用前注册完毕
func Parse() *Config {
	flag.Parse()

	conf := new(Config)
	conf.applyDefaults()

	ex, e := os.Executable()
	if e != nil {
		panic(e)
	}

	cfile := filepath.Dir(ex) + "/" + APPNAME + ".yml"
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = "/etc/" + APPNAME + ".yml"
	}

	if data, err := os.ReadFile(cfile); err == nil {
		if err := yaml.Unmarshal(data, conf); err != nil {
			panic(fmt.Errorf("解析配置文件%s失败: %w", cfile, err))
		}
	}

	defer log.Sync()
	if conf.Logger.Rotate {
		if len(conf.Logger.Dir) == 0 {
			conf.Logger.Dir = filepath.Dir(ex)
		}
		out := log.NewProductionRotateByTime(conf.Logger.Dir + "/" + APPNAME + ".log")
		logger := log.New(out, log.InfoLevel)
		log.ReplaceDefault(logger)
	}
	switch conf.Logger.Level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	return conf
}

// applyDefaults 填充内置默认值
func (c *Config) applyDefaults() {
	c.Device.NameFilter = "INK"
	c.Link.ReconnectDelayMs = 2000
	c.Link.MaxReconnectAttempts = 3
	c.Link.GattMaxRetries = 3
	c.Link.GattRetryDelayMs = 100
	c.Simulator.Listen = "0.0.0.0:5680"
	c.Simulator.AnnounceIntervalMs = 3000
	c.Logger.Level = "info"
}
