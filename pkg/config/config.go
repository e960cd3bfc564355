package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig 控制面 HTTP 服务配置
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // 默认 127.0.0.1:8090
}

// TradeDefaults 套利会话的默认参数
type TradeDefaults struct {
	TargetBp   float64 `yaml:"target_bp"`   // 入场价差（基点）
	SlippageBp float64 `yaml:"slippage_bp"` // 已实现价差允许低于目标的滑点（基点）
}

// RiskConfig 降风险引擎配置
type RiskConfig struct {
	NormalIntervalSec    int     `yaml:"normal_interval_sec"`    // 常规巡检间隔（秒），默认 30
	EmergencyIntervalSec int     `yaml:"emergency_interval_sec"` // 紧急巡检间隔（秒），默认 20
	TriggerLeverage      float64 `yaml:"trigger_leverage"`       // 触发减仓的杠杆
	WarnLeverage         float64 `yaml:"warn_leverage"`          // 预警杠杆
	TargetLeverage       float64 `yaml:"target_leverage"`        // 减仓目标杠杆
	AdlTriggerRatio      float64 `yaml:"adl_trigger_ratio"`      // 触发 ADL 保护的盈亏比率
	AdlTargetRatio       float64 `yaml:"adl_target_ratio"`       // ADL 保护后的目标比率
	AllowPanicClose      bool    `yaml:"allow_panic_close"`      // 允许对无法配对的剩余量裸平
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config 应用配置
type Config struct {
	Server ServerConfig  `yaml:"server"`
	Trade  TradeDefaults `yaml:"trade"`
	Risk   RiskConfig    `yaml:"risk"`
	Log    LogConfig     `yaml:"log"`
	DryRun bool          `yaml:"dry_run"` // true 时使用纸面交易服务
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: "127.0.0.1:8090"},
		Trade: TradeDefaults{
			TargetBp:   5,
			SlippageBp: 2.5,
		},
		Risk: RiskConfig{
			NormalIntervalSec:    30,
			EmergencyIntervalSec: 20,
			TriggerLeverage:      8,
			WarnLeverage:         6,
			TargetLeverage:       5,
			AdlTriggerRatio:      0.5,
			AdlTargetRatio:       0.3,
		},
		Log: LogConfig{
			Level:      "info",
			OutputFile: "logs/fundarb.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		DryRun: true,
	}
}

// Load 从 YAML 文件读取配置并叠加环境变量覆盖
// 文件不存在时使用默认值（环境变量仍然生效）。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖（FUNDARB_ 前缀）
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FUNDARB_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("FUNDARB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FUNDARB_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}
	if v := os.Getenv("FUNDARB_TARGET_BP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trade.TargetBp = f
		}
	}
	if v := os.Getenv("FUNDARB_TRIGGER_LEVERAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.TriggerLeverage = f
		}
	}
}

// Validate 在任何网络调用发生之前拒绝非法配置
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr 不能为空")
	}
	if c.Trade.TargetBp <= 0 {
		return fmt.Errorf("trade.target_bp 必须为正，当前 %v", c.Trade.TargetBp)
	}
	if c.Risk.TriggerLeverage <= 0 || c.Risk.TargetLeverage <= 0 {
		return fmt.Errorf("risk 杠杆阈值必须为正")
	}
	if c.Risk.TargetLeverage >= c.Risk.TriggerLeverage {
		return fmt.Errorf("risk.target_leverage(%v) 必须低于 trigger_leverage(%v)",
			c.Risk.TargetLeverage, c.Risk.TriggerLeverage)
	}
	return nil
}

// NormalInterval 常规巡检间隔
func (c *RiskConfig) NormalInterval() time.Duration {
	if c.NormalIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NormalIntervalSec) * time.Second
}

// EmergencyInterval 紧急巡检间隔
func (c *RiskConfig) EmergencyInterval() time.Duration {
	if c.EmergencyIntervalSec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.EmergencyIntervalSec) * time.Second
}
