// 文件: pkg/config/conf.go
// 应用配置 - conf/<GO_ENV>/conf.yaml
//
// 加载顺序:
// 1. cmd 里 godotenv.Load() 读取 .env (GO_ENV 等)
// 2. GetConf() 首次调用时读取 yaml、校验、打印
//
// 市场参数 (费率/限额/利率曲线) 放在 market 段，
// 由 BuildStore 转成 Domain+Key 的类型化参数表

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kr/pretty"
	"go.uber.org/zap"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

var (
	conf *Config
	once sync.Once
)

type Config struct {
	Env       string
	Log       Log       `yaml:"log"`
	Storage   Storage   `yaml:"storage"`
	Redis     Redis     `yaml:"redis"`
	Nats      Nats      `yaml:"nats"`
	Kafka     Kafka     `yaml:"kafka"`
	Snowflake Snowflake `yaml:"snowflake"`
	HTTP      HTTP      `yaml:"http"`
	Keeper    Keeper    `yaml:"keeper"`
	Market    Market    `yaml:"market"`
}

type Log struct {
	Level      string `yaml:"level"`
	FileName   string `yaml:"file_name"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Console    bool   `yaml:"console"`
}

// Storage 快照持久化
type Storage struct {
	Driver    string `yaml:"driver" validate:"regexp=^(mysql|postgres|none)?$"`
	DSN       string `yaml:"dsn"`
	BatchSize int    `yaml:"batch_size"`
}

type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Nats struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Kafka struct {
	Brokers    []string `yaml:"brokers"`
	EventTopic string   `yaml:"event_topic"`
	GroupID    string   `yaml:"group_id"`
}

type Snowflake struct {
	NodeID int64 `yaml:"node_id" validate:"min=0,max=1023"`
}

type HTTP struct {
	Address string `yaml:"address"`
}

type Keeper struct {
	Address    string `yaml:"address"`
	IntervalMs int    `yaml:"interval_ms"`
	Workers    int    `yaml:"workers"`
}

// Market 市场参数
type Market struct {
	BaseToken   string            `yaml:"base_token" validate:"nonzero"`
	Params      map[string]string `yaml:"params"`
	Assets      []Asset           `yaml:"assets"`
	Collaterals []Collateral      `yaml:"collaterals" validate:"nonzero"`
}

// Asset 可交易的永续标的，params 覆盖全局参数
type Asset struct {
	Symbol string            `yaml:"symbol" validate:"nonzero"`
	Params map[string]string `yaml:"params"`
}

// Collateral 保证金代币
type Collateral struct {
	Symbol          string `yaml:"symbol" json:"symbol" validate:"nonzero"`
	Decimals        uint8  `yaml:"decimals" json:"decimals"`
	ConversionRatio string `yaml:"conversion_ratio" json:"conversion_ratio"`
	FloorPriceRatio string `yaml:"floor_price_ratio" json:"floor_price_ratio"`
	Cap             string `yaml:"cap" json:"cap"`
}

// GetConf 获取全局配置 (首次调用时加载，失败 panic)
func GetConf() *Config {
	once.Do(initConf)
	return conf
}

func initConf() {
	path := filepath.Join("conf", GetEnv(), "conf.yaml")
	c, err := Load(path)
	if err != nil {
		panic(err)
	}
	conf = c
	pretty.Printf("%+v\n", conf)
}

// Load 从指定路径加载并校验
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(content)
}

// Parse 解析 yaml 内容
func Parse(content []byte) (*Config, error) {
	c := new(Config)
	if err := yaml.Unmarshal(content, c); err != nil {
		zap.L().Error("parse yaml error", zap.Error(err))
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validator.Validate(c); err != nil {
		zap.L().Error("validate config error", zap.Error(err))
		return nil, fmt.Errorf("validate config: %w", err)
	}
	c.Env = GetEnv()
	return c, nil
}

func GetEnv() string {
	e := os.Getenv("GO_ENV")
	if len(e) == 0 {
		return "test"
	}
	return e
}
