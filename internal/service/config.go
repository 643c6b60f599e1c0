// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig              `mapstructure:"Log"`
	Exchange ExchangeConfig         `mapstructure:"Exchange"`
	Runner   RunnerConfig           `mapstructure:"Runner"`
	DryRun   DryRunConfig           `mapstructure:"DryRun"`
	Server   ServerConfig           `mapstructure:"Server"`
	Store    StoreConfig            `mapstructure:"Store"`
	Logics   map[string]LogicConfig `mapstructure:"Logics"`
}

type LogConfig struct {
	Level string
}

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name              string
	AccessKey         string
	SecretKey         string
	RESTURL           string
	WSURL             string
	UseStream         bool    // 是否用 websocket 行情替代 REST 轮询最新价
	RequestsPerSecond float64 // REST 请求限速
	RequestTimeout    time.Duration
}

// RunnerConfig 定义了逻辑运行器的参数
type RunnerConfig struct {
	MinInterval          time.Duration // 连续执行的最小间隔
	RequestTimeout       time.Duration // 跨隔离边界请求超时
	StopGrace            time.Duration // 停止时等待工作协程退出的上限
	PricePollInterval    time.Duration // 最新价轮询周期
	CandleRefresh        time.Duration // K 线历史刷新周期
	CandleIntervalMinute int           // K 线周期 (分钟)
	HistorySize          int           // 保留的 K 线数量
}

// DryRunConfig 模拟下单配置
type DryRunConfig struct {
	Enabled    bool
	InitialKRW float64
	FeeRate    float64
}

type ServerConfig struct {
	Addr string
}

type StoreConfig struct {
	Path string
}

// LogicConfig 启动时自动运行的逻辑 (图定义从 Store 读取)
type LogicConfig struct {
	AutoStart bool
	Interval  time.Duration
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Exchange.Name", "upbit")
	v.SetDefault("Exchange.AccessKey", "")
	v.SetDefault("Exchange.SecretKey", "")
	v.SetDefault("Exchange.UseStream", false)
	v.SetDefault("Exchange.RESTURL", "https://api.upbit.com")
	v.SetDefault("Exchange.WSURL", "wss://api.upbit.com/websocket/v1")
	v.SetDefault("Exchange.RequestsPerSecond", 8)
	v.SetDefault("Exchange.RequestTimeout", 10*time.Second)
	v.SetDefault("Runner.MinInterval", time.Second)
	v.SetDefault("Runner.RequestTimeout", 30*time.Second)
	v.SetDefault("Runner.StopGrace", 5*time.Second)
	v.SetDefault("Runner.PricePollInterval", time.Second)
	v.SetDefault("Runner.CandleRefresh", time.Minute)
	v.SetDefault("Runner.CandleIntervalMinute", 1)
	v.SetDefault("Runner.HistorySize", 200)
	v.SetDefault("DryRun.Enabled", true)
	v.SetDefault("DryRun.InitialKRW", 1_000_000)
	v.SetDefault("DryRun.FeeRate", 0.0005)
	v.SetDefault("Server.Addr", ":8080")
	v.SetDefault("Store.Path", "trade-builder.db")
}

// LoadConfig 读取并解析配置文件，.env 与 TB_ 前缀的环境变量覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("TB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	GlobalConfig = cfg

	return &cfg, nil
}
