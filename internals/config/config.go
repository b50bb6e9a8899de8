package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Redis     RedisConfig     `yaml:"redis"`
	Signaling SignalingConfig `yaml:"signaling"`
	Speaker   SpeakerConfig   `yaml:"speaker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Uploader  UploaderConfig  `yaml:"uploader"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type EngineConfig struct {
	Workers     int    `yaml:"workers"`
	RTCMinPort  uint16 `yaml:"rtc_min_port"`
	RTCMaxPort  uint16 `yaml:"rtc_max_port"`
	AnnouncedIP string `yaml:"announced_ip"`
	LogTags     string `yaml:"log_tags"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SignalingConfig struct {
	SettleDelay     time.Duration `yaml:"settle_delay"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

type SpeakerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Threshold  int           `yaml:"threshold"`
	MaxEntries int           `yaml:"max_entries"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type UploaderConfig struct {
	Port        int    `yaml:"port"`
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	CORSEnabled bool   `yaml:"cors_enabled"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SIGNALING_HOST", "0.0.0.0"),
			Port:            getEnvInt("SIGNALING_PORT", 8080),
			ShutdownTimeout: time.Duration(getEnvInt("SIGNALING_SHUTDOWN_TIMEOUT", 10)) * time.Second,
		},
		Engine: EngineConfig{
			Workers:     getEnvInt("ENGINE_WORKERS", 0), // 0 = NumCPU
			RTCMinPort:  uint16(getEnvInt("ENGINE_RTC_MIN_PORT", 40000)),
			RTCMaxPort:  uint16(getEnvInt("ENGINE_RTC_MAX_PORT", 49999)),
			AnnouncedIP: getEnv("ENGINE_ANNOUNCED_IP", "127.0.0.1"),
			LogTags:     getEnv("ENGINE_LOG_TAGS", "info,ice,dtls,rtp"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Signaling: SignalingConfig{
			SettleDelay:     time.Duration(getEnvInt("SIGNALING_SETTLE_DELAY_MS", 100)) * time.Millisecond,
			RateLimitPerSec: float64(getEnvInt("SIGNALING_RATE_LIMIT_PER_SEC", 50)),
			RateLimitBurst:  getEnvInt("SIGNALING_RATE_LIMIT_BURST", 100),
		},
		Speaker: SpeakerConfig{
			Interval:   time.Duration(getEnvInt("SPEAKER_INTERVAL_MS", 1000)) * time.Millisecond,
			Threshold:  getEnvInt("SPEAKER_THRESHOLD_DBOV", -60),
			MaxEntries: getEnvInt("SPEAKER_MAX_ENTRIES", 2),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Uploader: UploaderConfig{
			Port:        getEnvInt("UPLOADER_PORT", 8081),
			Bucket:      getEnv("S3_BUCKET_NAME", ""),
			Region:      getEnv("AWS_REGION", ""),
			CORSEnabled: getEnvBool("UPLOADER_CORS_ENABLED", true),
		},
	}
}

// Validate fails fast on settings that would only surface as confusing
// runtime errors later.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid signaling port: %d", c.Server.Port)
	}
	if c.Engine.RTCMinPort == 0 || c.Engine.RTCMaxPort <= c.Engine.RTCMinPort {
		return fmt.Errorf("invalid rtc port range: %d-%d", c.Engine.RTCMinPort, c.Engine.RTCMaxPort)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Signaling.RateLimitPerSec < 0 {
		return fmt.Errorf("invalid rate limit: %f", c.Signaling.RateLimitPerSec)
	}
	if c.Speaker.Interval <= 0 {
		return fmt.Errorf("invalid speaker interval: %s", c.Speaker.Interval)
	}
	if c.Speaker.MaxEntries <= 0 {
		return fmt.Errorf("invalid speaker max entries: %d", c.Speaker.MaxEntries)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
