package workflow

import (
	"os"
	"slices"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration yaml 里写 "10s"、"1h" 这样的字符串
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.WithMessagef(err, "decode duration at line %d", value.Line)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.WithMessagef(err, "parse duration %q at line %d", s, value.Line)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LaneChangeMessage lane 变更时发给离开的人和新候选人的消息
type LaneChangeMessage struct {
	Title string `yaml:"title" json:"title"`
	Body  string `yaml:"body" json:"body"`
}

type Config struct {
	// EphemeralWorkflowNames 只存在缓存里的流程, 不做持久化同步
	EphemeralWorkflowNames []string `yaml:"ephemeral_workflow_names" json:"ephemeral_workflow_names"`
	// DefaultCacheExpiry 0 表示不过期
	DefaultCacheExpiry Duration          `yaml:"default_cache_expiry" json:"default_cache_expiry" validate:"gte=0"`
	LaneChangeMessage  LaneChangeMessage `yaml:"lane_change_message" json:"lane_change_message"`
	// LivenessWindow 在线判断的窗口
	LivenessWindow  Duration `yaml:"liveness_window" json:"liveness_window" validate:"gt=0"`
	SyncWorkers     int      `yaml:"sync_workers" json:"sync_workers" validate:"gte=1,lte=256"`
	RequestRetryMax int      `yaml:"request_retry_max" json:"request_retry_max" validate:"gte=1,lte=20"`
	LockTTL         Duration `yaml:"lock_ttl" json:"lock_ttl" validate:"gt=0"`
}

func DefaultConfig() *Config {
	return &Config{
		LaneChangeMessage: LaneChangeMessage{
			Title: "Workflow moved",
			Body:  "The workflow has been passed on to the next lane.",
		},
		LivenessWindow:  Duration(60 * time.Second),
		SyncWorkers:     4,
		RequestRetryMax: 3,
		LockTTL:         Duration(10 * time.Second),
	}
}

// LoadConfig 从 yaml 文件读取配置, 没写的字段用默认值
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read config %s", path)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "unmarshal config, err: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.Wrapf(ErrParamInvalid, "invalid config, err: %v", err)
	}
	return nil
}

// IsEphemeral 是否跳过持久化
func (c *Config) IsEphemeral(specName string) bool {
	return slices.Contains(c.EphemeralWorkflowNames, specName)
}
