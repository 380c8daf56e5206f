package gateway

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvConfig 从环境变量构造 Binance 客户端。
type EnvConfig struct {
	APIKey     string
	APISecret  string
	RestURL    string
	WSEndpoint string
}

// LoadEnvConfig 读取 API 密钥与端点；若存在 .env 文件先加载（不覆盖已有环境变量）。
func LoadEnvConfig(envFiles ...string) EnvConfig {
	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("加载 .env 失败，继续使用进程环境变量")
	}
	return EnvConfig{
		APIKey:     os.Getenv("BINANCE_API_KEY"),
		APISecret:  os.Getenv("BINANCE_API_SECRET"),
		RestURL:    pick(os.Getenv("BINANCE_REST_URL"), BinanceSpotRestEndpoint),
		WSEndpoint: pick(os.Getenv("BINANCE_WS_ENDPOINT"), BinanceSpotWSEndpoint),
	}
}

// HasKeys 实盘模式必须同时具备 key 与 secret
func (e EnvConfig) HasKeys() bool {
	return e.APIKey != "" && e.APISecret != ""
}

func pick(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimRight(v, "/")
}
