package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Global           GlobalConfig           `mapstructure:"global"`
	Trading          TradingConfig          `mapstructure:"trading"`
	SymbolMonitor    SymbolMonitorConfig    `mapstructure:"symbol_monitor"`
	OrderbookMonitor OrderbookMonitorConfig `mapstructure:"orderbook_monitor"`
}

// GlobalConfig 进程级配置
type GlobalConfig struct {
	APIKey           string `mapstructure:"api_key"`           // Binance API Key
	APISecret        string `mapstructure:"api_secret"`        // Binance API Secret
	TestNet          bool   `mapstructure:"testnet"`           // 是否使用测试网
	RestURL          string `mapstructure:"rest_url"`          // REST 端点（空=按 testnet 选择）
	WSURL            string `mapstructure:"ws_url"`            // WS 端点（空=按 testnet 选择）
	LogLevel         string `mapstructure:"log_level"`         // 日志级别
	MetricsPort      int    `mapstructure:"metrics_port"`      // Prometheus 端口
	LedgerPath       string `mapstructure:"ledger_path"`       // 收益账本快照路径
	JournalPath      string `mapstructure:"journal_path"`      // sqlite 成交日志路径（空=禁用）
	SnapshotInterval int    `mapstructure:"snapshot_interval"` // 快照保存间隔 (秒)
	WatchdogInterval int    `mapstructure:"watchdog_interval"` // 看门狗检查间隔 (秒)
	TickerStaleSecs  int    `mapstructure:"ticker_stale_secs"` // ticker 无推送超过该秒数强制重连
}

// TradingConfig 资金池、交易对范围与外部指令
type TradingConfig struct {
	BaseStartingAssets            []string        `mapstructure:"base_starting_assets"`
	ExcludedSymbols               []string        `mapstructure:"excluded_symbols"`
	ExcludedAssets                []string        `mapstructure:"excluded_assets"`
	ExchangeInfoAPIs              []string        `mapstructure:"exchange_info_apis"`
	ExchangeInfoFetchDelaySecs    int             `mapstructure:"exchange_info_fetch_delay_secs"`
	MaxSimultaneouslyTradingPairs int             `mapstructure:"max_simultaneously_trading_pairs"`
	StartingAssetValue            decimal.Decimal `mapstructure:"starting_asset_value"`
	CmdDir                        string          `mapstructure:"cmd_dir"`
	CmdReadPeriodSecs             int             `mapstructure:"cmd_read_period_secs"`
	CmdStopAndSellInstantly       string          `mapstructure:"cmd_stop_and_sell_instantly"`
}

// Range [min, max] 闭区间
type Range [2]decimal.Decimal

func (r Range) Min() decimal.Decimal { return r[0] }
func (r Range) Max() decimal.Decimal { return r[1] }

// Contains min <= v <= max
func (r Range) Contains(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(r[0]) && v.LessThanOrEqual(r[1])
}

func (r Range) valid() bool { return r[0].LessThanOrEqual(r[1]) }

// WindowRanges 单个窗口的监控/上涨/下跌区间
type WindowRanges struct {
	Monitor Range
	Rise    Range
	Drop    Range
}

// SymbolMonitorConfig 波动分类器参数（沿用原字段名）
type SymbolMonitorConfig struct {
	SymbolPriceListLength             int  `mapstructure:"symbol_price_list_length"`
	SymbolPriceViolatileCheckTimeSecs int  `mapstructure:"symbol_price_violatile_check_time_secs"`
	SymbolPriceViolatileRequiredCount int  `mapstructure:"symbol_price_violatile_required_count"`
	SymbolStatListDisplayPeriodSecs   int  `mapstructure:"symbol_stat_list_display_period_secs"`
	ResignalSuppressSecs              int  `mapstructure:"resignal_suppress_secs"`
	PreWindowAnalysis                 bool `mapstructure:"pre_window_analysis"`
	PostWindowAnalysis                bool `mapstructure:"post_window_analysis"`

	PreWindowPriceValueRiseMinMaxPercent     Range `mapstructure:"pre_window_price_value_rise_min_max_percent"`
	PreWindowPriceValueDropMinMaxPercent     Range `mapstructure:"pre_window_price_value_drop_min_max_percent"`
	PreWindowPriceValueMonitorMinMaxPercent  Range `mapstructure:"pre_window_price_value_monitor_min_max_percent"`
	WindowPriceValueRiseMinMaxPercent        Range `mapstructure:"window_price_value_rise_min_max_percent"`
	WindowPriceValueDropMinMaxPercent        Range `mapstructure:"window_price_value_drop_min_max_percent"`
	WindowPriceValueMonitorMinMaxPercent     Range `mapstructure:"window_price_value_monitor_min_max_percent"`
	PostWindowPriceValueRiseMinMaxPercent    Range `mapstructure:"post_window_price_value_rise_min_max_percent"`
	PostWindowPriceValueDropMinMaxPercent    Range `mapstructure:"post_window_price_value_drop_min_max_percent"`
	PostWindowPriceValueMonitorMinMaxPercent Range `mapstructure:"post_window_price_value_monitor_min_max_percent"`
}

// PreWindow 前窗口区间
func (c SymbolMonitorConfig) PreWindow() WindowRanges {
	return WindowRanges{c.PreWindowPriceValueMonitorMinMaxPercent, c.PreWindowPriceValueRiseMinMaxPercent, c.PreWindowPriceValueDropMinMaxPercent}
}

// MainWindow 主窗口区间
func (c SymbolMonitorConfig) MainWindow() WindowRanges {
	return WindowRanges{c.WindowPriceValueMonitorMinMaxPercent, c.WindowPriceValueRiseMinMaxPercent, c.WindowPriceValueDropMinMaxPercent}
}

// PostWindow 后窗口区间
func (c SymbolMonitorConfig) PostWindow() WindowRanges {
	return WindowRanges{c.PostWindowPriceValueMonitorMinMaxPercent, c.PostWindowPriceValueRiseMinMaxPercent, c.PostWindowPriceValueDropMinMaxPercent}
}

// OrderbookMonitorConfig 单仓位执行参数（沿用原字段名）
type OrderbookMonitorConfig struct {
	AllowedBuyDiffFromSymbolMonitorPercent      decimal.Decimal `mapstructure:"allowed_buy_diff_from_symbol_monitor_percent"`
	IgnoreIfPercentProfitChangedMoreThanPercent decimal.Decimal `mapstructure:"ignore_if_percent_profit_changed_more_than_percent"`
	MaximumCountOfProfitChangedIgnoredReadings  int             `mapstructure:"maximum_count_of_profit_changed_ignored_readings"`
	UseProfitsToTrade                           bool            `mapstructure:"use_profits_to_trade"`
	ExchangeComission                           decimal.Decimal `mapstructure:"exchange_comission"`
	AbsoluteMinimalProfitOverComission          decimal.Decimal `mapstructure:"absolute_minimal_profit_over_comission"`
	TimeLimitSecs                               int             `mapstructure:"time_limit_secs"`
	TimeLimitRequiresProfit                     bool            `mapstructure:"time_limit_requires_profit"`
	UltimateTimeLimitEnabled                    bool            `mapstructure:"ultimate_time_limit_enabled"`
	UltimateTimeLimitSecs                       int             `mapstructure:"ultimate_time_limit_secs"`
	UltimateTimeLimitProfitPercent              decimal.Decimal `mapstructure:"ultimate_time_limit_profit_percent"`
	LossLimitEnabled                            bool            `mapstructure:"loss_limit_enabled"`
	LossLimitPercent                            decimal.Decimal `mapstructure:"loss_limit_percent"`
	LossLimitSuddenDropToPercent                decimal.Decimal `mapstructure:"loss_limit_sudden_drop_to_percent"`
	MinProfitPercent                            decimal.Decimal `mapstructure:"min_profit_percent"`
	MinProfitCrossedAllowedDropPercent          decimal.Decimal `mapstructure:"min_profit_crossed_allowed_drop_percent"`
	GoodProfitPercent                           decimal.Decimal `mapstructure:"good_profit_percent"`
	GoodProfitCrossedAllowedDropPercent         decimal.Decimal `mapstructure:"good_profit_crossed_allowed_drop_percent"`
	CurrentlyTradingReminderPeriodSecs          int             `mapstructure:"currently_trading_reminder_period_secs"`
	BreakBetweenTradingSameSymbolSecs           int             `mapstructure:"break_between_trading_same_symbol_secs"`
}

var (
	mu           sync.RWMutex
	globalConfig *Config
	configPath   string
	watchOnce    sync.Once
)

// decimalHook 把 YAML 中的数字/字符串转换为 decimal.Decimal
func decimalHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromInt(int64(v)), nil
	}
	return data, nil
}

func decodeOpt() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", "info")
	v.SetDefault("global.metrics_port", 9102)
	v.SetDefault("global.ledger_path", "data/ledger.json")
	v.SetDefault("global.snapshot_interval", 60)
	v.SetDefault("global.watchdog_interval", 30)
	v.SetDefault("global.ticker_stale_secs", 60)
	v.SetDefault("trading.exchange_info_fetch_delay_secs", 3600)
	v.SetDefault("trading.cmd_dir", "cmd")
	v.SetDefault("trading.cmd_read_period_secs", 5)
	v.SetDefault("trading.cmd_stop_and_sell_instantly", "stop_and_sell_instantly")
	v.SetDefault("symbol_monitor.symbol_stat_list_display_period_secs", 300)
	v.SetDefault("orderbook_monitor.currently_trading_reminder_period_secs", 60)
}

// read 读取并校验，不修改全局状态
func read(v *viper.Viper, path string) (*Config, error) {
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.SetEnvPrefix("HUNTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 显式绑定嵌套字段的环境变量（生产推荐）
	v.BindEnv("global.api_key", "BINANCE_API_KEY")
	v.BindEnv("global.api_secret", "BINANCE_API_SECRET")
	v.BindEnv("global.testnet", "BINANCE_TESTNET")
	v.BindEnv("global.metrics_port", "HUNTER_METRICS_PORT")
	v.BindEnv("global.ledger_path", "HUNTER_LEDGER_PATH")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeOpt()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// LoadConfig 加载配置文件（先加载可选的 .env），并启动热重载
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := read(viper.GetViper(), path)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	configPath = path
	globalConfig = cfg
	mu.Unlock()

	watchOnce.Do(watchConfig)

	log.Info().Str("path", path).Msg("配置加载成功")
	return cfg, nil
}

// Reload 从磁盘重新读取；失败时保留旧配置并返回错误
func Reload() (*Config, error) {
	mu.RLock()
	path := configPath
	mu.RUnlock()
	if path == "" {
		return nil, fmt.Errorf("配置尚未加载")
	}

	cfg, err := read(viper.New(), path)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	globalConfig = cfg
	mu.Unlock()
	return cfg, nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// validateConfig 验证配置有效性
func validateConfig(cfg *Config) error {
	t := cfg.Trading
	if len(t.BaseStartingAssets) == 0 {
		return fmt.Errorf("trading.base_starting_assets 至少需要一个资产")
	}
	if len(t.ExchangeInfoAPIs) == 0 {
		return fmt.Errorf("trading.exchange_info_apis 不能为空")
	}
	if t.MaxSimultaneouslyTradingPairs <= 0 {
		return fmt.Errorf("trading.max_simultaneously_trading_pairs 必须 > 0")
	}
	if !t.StartingAssetValue.IsPositive() {
		return fmt.Errorf("trading.starting_asset_value 必须 > 0")
	}
	if t.ExchangeInfoFetchDelaySecs <= 0 || t.CmdReadPeriodSecs <= 0 {
		return fmt.Errorf("trading.exchange_info_fetch_delay_secs 与 cmd_read_period_secs 必须 > 0")
	}

	s := cfg.SymbolMonitor
	if s.SymbolPriceListLength < 3 || s.SymbolPriceListLength%3 != 0 {
		return fmt.Errorf("symbol_monitor.symbol_price_list_length 必须是 >= 3 的 3 的倍数，当前 %d", s.SymbolPriceListLength)
	}
	if s.SymbolPriceViolatileCheckTimeSecs <= 0 {
		return fmt.Errorf("symbol_monitor.symbol_price_violatile_check_time_secs 必须 > 0")
	}
	if s.ResignalSuppressSecs < 0 {
		return fmt.Errorf("symbol_monitor.resignal_suppress_secs 不能为负")
	}
	for name, w := range map[string]WindowRanges{"pre": s.PreWindow(), "main": s.MainWindow(), "post": s.PostWindow()} {
		if !w.Monitor.valid() || !w.Rise.valid() || !w.Drop.valid() {
			return fmt.Errorf("symbol_monitor.%s 窗口区间必须满足 min <= max", name)
		}
	}

	o := cfg.OrderbookMonitor
	if o.MinProfitPercent.IsNegative() || o.GoodProfitPercent.LessThan(o.MinProfitPercent) {
		return fmt.Errorf("orderbook_monitor.good_profit_percent 必须 >= min_profit_percent >= 0")
	}
	if o.TimeLimitSecs <= 0 {
		return fmt.Errorf("orderbook_monitor.time_limit_secs 必须 > 0")
	}
	if o.UltimateTimeLimitEnabled && o.UltimateTimeLimitSecs < o.TimeLimitSecs {
		return fmt.Errorf("orderbook_monitor.ultimate_time_limit_secs 必须 >= time_limit_secs")
	}
	if o.LossLimitEnabled && o.LossLimitPercent.LessThan(o.LossLimitSuddenDropToPercent) {
		return fmt.Errorf("orderbook_monitor.loss_limit_percent 必须 >= loss_limit_sudden_drop_to_percent")
	}
	if o.CurrentlyTradingReminderPeriodSecs <= 0 {
		return fmt.Errorf("orderbook_monitor.currently_trading_reminder_period_secs 必须 > 0")
	}
	if o.BreakBetweenTradingSameSymbolSecs < 0 || o.MaximumCountOfProfitChangedIgnoredReadings < 0 {
		return fmt.Errorf("orderbook_monitor 计数与冷却时间不能为负")
	}
	return nil
}

// watchConfig 监听配置文件变化并热重载
func watchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("检测到配置文件变化，正在重载...")

		var newCfg Config
		if err := viper.Unmarshal(&newCfg, decodeOpt()); err != nil {
			log.Error().Err(err).Msg("重载配置失败")
			return
		}
		if err := validateConfig(&newCfg); err != nil {
			log.Error().Err(err).Msg("新配置验证失败，保持旧配置")
			return
		}

		mu.Lock()
		globalConfig = &newCfg
		mu.Unlock()
		log.Info().Msg("配置热重载成功")
	})
	viper.WatchConfig()
}

// PoolTotal 资金池总额 = 并发交易对数 × 单份资金
func (c *Config) PoolTotal() decimal.Decimal {
	return c.Trading.StartingAssetValue.Mul(decimal.NewFromInt(int64(c.Trading.MaxSimultaneouslyTradingPairs)))
}

// ExchangeInfoPeriod 交易规则刷新周期
func (c *Config) ExchangeInfoPeriod() time.Duration {
	return time.Duration(c.Trading.ExchangeInfoFetchDelaySecs) * time.Second
}

// CmdReadPeriod 外部指令检查周期
func (c *Config) CmdReadPeriod() time.Duration {
	return time.Duration(c.Trading.CmdReadPeriodSecs) * time.Second
}

// ReminderPeriod 状态日志周期
func (c *Config) ReminderPeriod() time.Duration {
	return time.Duration(c.OrderbookMonitor.CurrentlyTradingReminderPeriodSecs) * time.Second
}

// Cooldown 同一交易对两次交易之间的最小间隔
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.OrderbookMonitor.BreakBetweenTradingSameSymbolSecs) * time.Second
}

// RestEndpoint 按 testnet 与覆盖项选择 REST 端点
func (c *Config) RestEndpoint(def, testnet string) string {
	if c.Global.RestURL != "" {
		return strings.TrimRight(c.Global.RestURL, "/")
	}
	if c.Global.TestNet {
		return testnet
	}
	return def
}

// WSEndpoint 按 testnet 与覆盖项选择 WS 端点
func (c *Config) WSEndpoint(def, testnet string) string {
	if c.Global.WSURL != "" {
		return strings.TrimRight(c.Global.WSURL, "/")
	}
	if c.Global.TestNet {
		return testnet
	}
	return def
}
