package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Worker struct {
		Addr string `yaml:"addr"`
	} `yaml:"worker"`
	Ledger struct {
		Addr string `yaml:"addr"`
	} `yaml:"ledger"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	Billing struct {
		StandardCost     int64 `yaml:"standard_cost"`
		ProfessionalCost int64 `yaml:"professional_cost"`
	} `yaml:"billing"`
	Pipeline struct {
		MaxAttempts        int     `yaml:"max_attempts"`
		AuditPassThreshold float64 `yaml:"audit_pass_threshold"`
		PollIntervalSec    int     `yaml:"poll_interval_seconds"`
		PollTimeoutMin     int     `yaml:"poll_timeout_minutes"`
	} `yaml:"pipeline"`
	Voice struct {
		DefaultVoiceID string `yaml:"default_voice_id"`
	} `yaml:"voice"`
}

var AppConfig *Config

func InitConfig() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}
	applyEnvOverrides(AppConfig)
	applyDefaults(AppConfig)
}

// 环境变量优先于 yaml,部署时敏感信息走 .env
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		c.MySQL.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("WORKER_ADDR"); v != "" {
		c.Worker.Addr = v
	}
	if v := os.Getenv("LEDGER_ADDR"); v != "" {
		c.Ledger.Addr = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretKey = v
	}
}

func applyDefaults(c *Config) {
	if c.Billing.StandardCost == 0 {
		c.Billing.StandardCost = 10
	}
	if c.Billing.ProfessionalCost == 0 {
		c.Billing.ProfessionalCost = 25
	}
	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = 3
	}
	if c.Pipeline.AuditPassThreshold == 0 {
		c.Pipeline.AuditPassThreshold = 0.7
	}
	if c.Pipeline.PollIntervalSec == 0 {
		c.Pipeline.PollIntervalSec = 3
	}
	if c.Pipeline.PollTimeoutMin == 0 {
		c.Pipeline.PollTimeoutMin = 30
	}
	if c.Voice.DefaultVoiceID == "" {
		c.Voice.DefaultVoiceID = "zh_female_story"
	}
}
