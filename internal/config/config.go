// Package config loads the service configuration from config/default.yaml
// and applies environment overrides. Every tunable named in the operations
// handbook has an env mirror of the same name.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	PoolSize int    `yaml:"pool_size"`
	Overflow int    `yaml:"overflow"`
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// CaptureConfig bounds the replay capture pipeline. Zero concurrency values
// mean auto-size from the host (see platform/sysres).
type CaptureConfig struct {
	MaxComboConcurrency    int `yaml:"max_combo_concurrency"`
	MaxWorkersPerCombo     int `yaml:"max_workers_per_combo"`
	MinuteScreenshotWorker int `yaml:"minute_screenshot_workers"`
	WarmupFrames           int `yaml:"warmup_frames"`
	CaptureTimeoutSec      int `yaml:"capture_timeout_sec"`
	MaxRetryCount          int `yaml:"max_retry_count"`
	RetryDelayHours        int `yaml:"retry_delay_hours"`
	FillLimit              int `yaml:"fill_limit"`
	FFmpegBin              string `yaml:"ffmpeg_bin"`
}

// DetectionConfig carries every threshold the state-decision engine reads.
// The numeric defaults were tuned against the production lots; treat them as
// configuration, not constants.
type DetectionConfig struct {
	SameDayThreshold       float64 `yaml:"vehicle_similarity_same_day"`
	CrossDayThreshold      float64 `yaml:"vehicle_similarity_cross_day"`
	ShortIntervalThreshold float64 `yaml:"vehicle_similarity_short_interval"`
	ShortIntervalSeconds   int     `yaml:"short_interval_seconds"`
	BrightnessLow          float64 `yaml:"brightness_low"`
	BrightnessHigh         float64 `yaml:"brightness_high"`
	ClarityThreshold       float64 `yaml:"clarity_threshold"`
	MinYoloConfForChange   float64 `yaml:"min_yolo_conf_for_change"`
	MinMatchConfDay        float64 `yaml:"min_match_conf_day"`
	MinMatchConfNight      float64 `yaml:"min_match_conf_night"`
	StateContinuationTime  float64 `yaml:"state_continuation_time"`
	StateContinuationPos   float64 `yaml:"state_continuation_position"`
	StateContinuationMargin float64 `yaml:"state_continuation_margin"`
	StateLockEnabled       bool    `yaml:"state_lock_enabled"`
	StateLockFrames        int     `yaml:"state_lock_frames"`
	StateUnlockFrames      int     `yaml:"state_unlock_frames"`
	HighRobustnessMode     bool    `yaml:"high_robustness_mode"`
	MaxTimeGapSec          int     `yaml:"max_time_gap_sec"`
	FalseLeaveWindowMinMin int     `yaml:"false_leave_window_min_min"`
	FalseLeaveWindowMaxMin int     `yaml:"false_leave_window_max_min"`
	BackfillLimit          int     `yaml:"backfill_limit"`
	BatchSize              int     `yaml:"batch_size"`
	DrawOverlays           bool    `yaml:"draw_overlays"`
	ModelFile              string  `yaml:"model_file"`
	DetectorURL            string  `yaml:"detector_url"`
	DetectorToken          string  `yaml:"detector_token"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	PublishRetry  int    `yaml:"publish_retry_max"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type HTTPConfig struct {
	Port          int    `yaml:"port"`
	SigningKey    string `yaml:"signing_key"`
	RateLimitRate int    `yaml:"rate_limit_rate"`
	RateLimitWindowSec int `yaml:"rate_limit_window_sec"`
}

type HealthConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	Workers     int `yaml:"workers"`
}

type Config struct {
	DB        DBConfig        `yaml:"db"`
	Capture   CaptureConfig   `yaml:"capture"`
	Detection DetectionConfig `yaml:"detection"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	Health    HealthConfig    `yaml:"health"`
	Timezone  string          `yaml:"timezone"`
}

// Default returns the configuration used when no yaml file is present.
func Default() Config {
	return Config{
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "parkops", Name: "parkops",
			SSLMode: "disable", PoolSize: 20, Overflow: 40,
		},
		Capture: CaptureConfig{
			MinuteScreenshotWorker: 4,
			WarmupFrames:           20,
			CaptureTimeoutSec:      10,
			MaxRetryCount:          3,
			RetryDelayHours:        1,
			FillLimit:              50,
			FFmpegBin:              "ffmpeg",
		},
		Detection: DetectionConfig{
			SameDayThreshold:        0.70,
			CrossDayThreshold:       0.65,
			ShortIntervalThreshold:  0.60,
			ShortIntervalSeconds:    300,
			BrightnessLow:           40,
			BrightnessHigh:          220,
			ClarityThreshold:        100,
			MinYoloConfForChange:    0.50,
			MinMatchConfDay:         0.35,
			MinMatchConfNight:       0.25,
			StateContinuationTime:   3.0,
			StateContinuationPos:    0.15,
			StateContinuationMargin: 0.10,
			StateLockEnabled:        false,
			StateLockFrames:         3,
			StateUnlockFrames:       1,
			HighRobustnessMode:      true,
			MaxTimeGapSec:           900,
			FalseLeaveWindowMinMin:  5,
			FalseLeaveWindowMaxMin:  15,
			BackfillLimit:           50,
			BatchSize:               10,
			DrawOverlays:            false,
			ModelFile:               "yolov8n.pt",
		},
		NATS:   NATSConfig{SubjectPrefix: "parking.changes", PublishRetry: 3},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		HTTP:   HTTPConfig{Port: 8080, RateLimitRate: 120, RateLimitWindowSec: 60},
		Health: HealthConfig{IntervalSec: 60, Workers: 8},
		Timezone: "Local",
	}
}

// Load reads path (when it exists) over the defaults, then applies env
// overrides. A missing file is not an error; an unparsable one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DB.Host = getEnv("DB_HOST", c.DB.Host)
	c.DB.Port = getEnvInt("DB_PORT", c.DB.Port)
	c.DB.User = getEnv("DB_USER", c.DB.User)
	c.DB.Password = getEnv("DB_PASSWORD", c.DB.Password)
	c.DB.Name = getEnv("DB_NAME", c.DB.Name)
	c.DB.SSLMode = getEnv("DB_SSLMODE", c.DB.SSLMode)

	c.Capture.MaxComboConcurrency = getEnvInt("MAX_COMBO_CONCURRENCY", c.Capture.MaxComboConcurrency)
	c.Capture.MaxWorkersPerCombo = getEnvInt("MAX_WORKERS_PER_COMBO", c.Capture.MaxWorkersPerCombo)
	c.Capture.MinuteScreenshotWorker = getEnvInt("MINUTE_SCREENSHOT_WORKERS", c.Capture.MinuteScreenshotWorker)
	c.Capture.WarmupFrames = getEnvInt("WARMUP_FRAMES", c.Capture.WarmupFrames)
	c.Capture.CaptureTimeoutSec = getEnvInt("CAPTURE_TIMEOUT_SEC", c.Capture.CaptureTimeoutSec)
	c.Capture.MaxRetryCount = getEnvInt("MAX_RETRY_COUNT", c.Capture.MaxRetryCount)
	c.Capture.RetryDelayHours = getEnvInt("RETRY_DELAY_HOURS", c.Capture.RetryDelayHours)
	c.Capture.FillLimit = getEnvInt("FILL_LIMIT", c.Capture.FillLimit)
	c.Capture.FFmpegBin = getEnv("FFMPEG_BIN", c.Capture.FFmpegBin)

	c.Detection.SameDayThreshold = getEnvFloat("VEHICLE_SIMILARITY_SAME_DAY", c.Detection.SameDayThreshold)
	c.Detection.CrossDayThreshold = getEnvFloat("VEHICLE_SIMILARITY_CROSS_DAY", c.Detection.CrossDayThreshold)
	c.Detection.ShortIntervalThreshold = getEnvFloat("VEHICLE_SIMILARITY_SHORT_INTERVAL", c.Detection.ShortIntervalThreshold)
	c.Detection.ShortIntervalSeconds = getEnvInt("SHORT_INTERVAL_SECONDS", c.Detection.ShortIntervalSeconds)
	c.Detection.BrightnessLow = getEnvFloat("BRIGHTNESS_LOW", c.Detection.BrightnessLow)
	c.Detection.BrightnessHigh = getEnvFloat("BRIGHTNESS_HIGH", c.Detection.BrightnessHigh)
	c.Detection.ClarityThreshold = getEnvFloat("CLARITY_THRESHOLD", c.Detection.ClarityThreshold)
	c.Detection.MinYoloConfForChange = getEnvFloat("MIN_YOLO_CONF_FOR_CHANGE", c.Detection.MinYoloConfForChange)
	c.Detection.MinMatchConfDay = getEnvFloat("MIN_MATCH_CONF_DAY", c.Detection.MinMatchConfDay)
	c.Detection.MinMatchConfNight = getEnvFloat("MIN_MATCH_CONF_NIGHT", c.Detection.MinMatchConfNight)
	c.Detection.StateContinuationTime = getEnvFloat("STATE_CONTINUATION_TIME", c.Detection.StateContinuationTime)
	c.Detection.StateContinuationPos = getEnvFloat("STATE_CONTINUATION_POSITION", c.Detection.StateContinuationPos)
	c.Detection.StateContinuationMargin = getEnvFloat("STATE_CONTINUATION_MARGIN", c.Detection.StateContinuationMargin)
	c.Detection.StateLockEnabled = getEnvBool("STATE_LOCK_ENABLED", c.Detection.StateLockEnabled)
	c.Detection.StateLockFrames = getEnvInt("STATE_LOCK_FRAMES", c.Detection.StateLockFrames)
	c.Detection.StateUnlockFrames = getEnvInt("STATE_UNLOCK_FRAMES", c.Detection.StateUnlockFrames)
	c.Detection.HighRobustnessMode = getEnvBool("HIGH_ROBUSTNESS_MODE", c.Detection.HighRobustnessMode)
	c.Detection.MaxTimeGapSec = getEnvInt("MAX_TIME_GAP", c.Detection.MaxTimeGapSec)
	c.Detection.FalseLeaveWindowMinMin = getEnvInt("FALSE_LEAVE_WINDOW_MIN", c.Detection.FalseLeaveWindowMinMin)
	c.Detection.FalseLeaveWindowMaxMin = getEnvInt("FALSE_LEAVE_WINDOW_MAX", c.Detection.FalseLeaveWindowMaxMin)
	c.Detection.ModelFile = getEnv("MODEL_FILE", c.Detection.ModelFile)
	c.Detection.DetectorURL = getEnv("DETECTOR_URL", c.Detection.DetectorURL)
	c.Detection.DetectorToken = getEnv("DETECTOR_TOKEN", c.Detection.DetectorToken)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.HTTP.Port = getEnvInt("PORT", c.HTTP.Port)
	c.HTTP.SigningKey = getEnv("JWT_SIGNING_KEY", c.HTTP.SigningKey)
	c.Timezone = getEnv("PARKOPS_TZ", c.Timezone)
}

// Location resolves the configured timezone; capture dates and retry clocks
// run on NVR-local wall time, not UTC.
func (c Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// CaptureTimeout is the wall-clock ceiling for one frame grab.
func (c CaptureConfig) CaptureTimeout() time.Duration {
	return time.Duration(c.CaptureTimeoutSec) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
