// Package config defines the environment configuration document: the robot
// joint table, camera list, policy selection and the control-loop tuning
// thresholds. The document is loaded once at startup and treated as
// immutable for the lifetime of an episode.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy types selectable via the policy_type field.
const (
	PolicyOpenPI = "openpi"
	PolicyTeleop = "teleop"
)

// Default tuning values, applied when the document omits a field. They suit
// an SO-101 with sub-second remote inference; all are hardware-tunable.
const (
	DefaultServerPort        = 8000
	DefaultMaxSteps          = 1000
	DefaultHz                = 30
	DefaultMaxStepDelta      = 20.0
	DefaultPolicyRetries     = 3
	DefaultActionHorizon     = 10
	DefaultStalenessBudget   = 500 * time.Millisecond
	DefaultInferTimeout      = 10 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultCameraReadTimeout = 250 * time.Millisecond
	DefaultHomeTolerance     = 2.0
	DefaultHomeTimeout       = 10 * time.Second
)

// Joint holds the limit table entry for one joint. Positions are in the
// normalized LeRobot space: -100..100 for angular joints, 0..100 for the
// gripper. Home is optional; homing requires every joint to have one.
type Joint struct {
	Name string   `yaml:"name" json:"name"`
	Min  float64  `yaml:"min_limit" json:"min_limit"`
	Max  float64  `yaml:"max_limit" json:"max_limit"`
	Home *float64 `yaml:"home,omitempty" json:"home,omitempty"`
}

// Camera describes one camera input. Index maps to /dev/video<Index>. The
// crop region is optional; zero values mean no crop. Field names match the
// documents written by the crop calibration tooling.
type Camera struct {
	Name    string `yaml:"name" json:"name"`
	Index   int    `yaml:"index" json:"index"`
	Flipped bool   `yaml:"flipped,omitempty" json:"flipped,omitempty"`
	MinX    int    `yaml:"minX,omitempty" json:"minX,omitempty"`
	MaxX    int    `yaml:"maxX,omitempty" json:"maxX,omitempty"`
	MinY    int    `yaml:"minY,omitempty" json:"minY,omitempty"`
	MaxY    int    `yaml:"maxY,omitempty" json:"maxY,omitempty"`
}

// HasCrop reports whether a crop region is configured.
func (c Camera) HasCrop() bool {
	return c.MaxX > c.MinX && c.MaxY > c.MinY
}

// Robot describes the follower arm: serial port, calibration identity and
// the joint limit table. The gripper is configured separately but is an
// ordinary joint occupying the last slot of the action vector.
type Robot struct {
	Port    string  `yaml:"port" json:"port"`
	ID      string  `yaml:"id,omitempty" json:"id,omitempty"`
	Joints  []Joint `yaml:"joints,omitempty" json:"joints,omitempty"`
	Gripper *Joint  `yaml:"gripper,omitempty" json:"gripper,omitempty"`
}

// AllJoints returns the canonical joint order: the configured joints followed
// by the gripper. This order defines the layout of every state and action
// vector in the system.
func (r Robot) AllJoints() []Joint {
	out := make([]Joint, 0, len(r.Joints)+1)
	out = append(out, r.Joints...)
	if r.Gripper != nil {
		out = append(out, *r.Gripper)
	}
	return out
}

// Teleop describes the leader arm used when policy_type is teleop.
type Teleop struct {
	Port string `yaml:"port" json:"port"`
	ID   string `yaml:"id,omitempty" json:"id,omitempty"`
}

// Config is the full environment configuration document.
type Config struct {
	Prompt     string `yaml:"prompt" json:"prompt"`
	ServerIP   string `yaml:"server_ip,omitempty" json:"server_ip,omitempty"`
	ServerPort int    `yaml:"server_port,omitempty" json:"server_port,omitempty"`
	APIKey     string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	PolicyType string `yaml:"policy_type,omitempty" json:"policy_type,omitempty"`
	MaxSteps   int    `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`
	LogLevel   string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	StartHome  bool   `yaml:"start_home,omitempty" json:"start_home,omitempty"`

	// Control cadence in steps per second.
	Hz int `yaml:"hz,omitempty" json:"hz,omitempty"`

	// Safety and degradation thresholds. See the defaults above.
	MaxStepDelta      float64  `yaml:"max_step_delta,omitempty" json:"max_step_delta,omitempty"`
	PolicyRetries     int      `yaml:"policy_retries,omitempty" json:"policy_retries,omitempty"`
	ActionHorizon     int      `yaml:"action_horizon,omitempty" json:"action_horizon,omitempty"`
	StalenessBudget   Duration `yaml:"staleness_budget,omitempty" json:"staleness_budget,omitempty"`
	InferTimeout      Duration `yaml:"infer_timeout,omitempty" json:"infer_timeout,omitempty"`
	ConnectTimeout    Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
	CameraReadTimeout Duration `yaml:"camera_read_timeout,omitempty" json:"camera_read_timeout,omitempty"`
	HomeTolerance     float64  `yaml:"home_tolerance,omitempty" json:"home_tolerance,omitempty"`
	HomeTimeout       Duration `yaml:"home_timeout,omitempty" json:"home_timeout,omitempty"`

	Robot   Robot    `yaml:"robot" json:"robot"`
	Teleop  *Teleop  `yaml:"teleop,omitempty" json:"teleop,omitempty"`
	Cameras []Camera `yaml:"cameras,omitempty" json:"cameras,omitempty"`
}

// Load reads, defaults and validates a configuration document. The format is
// chosen by extension: .json is JSON, everything else is YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if isJSON(path) {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDraft reads a document without defaulting or validation. The detect
// and set-home commands use it to update documents that are not yet complete
// enough to pass Load.
func LoadDraft(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if isJSON(path) {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}
	return &cfg, nil
}

// Save writes the document back to path in the format its extension implies.
// Used by the detect and set-home commands to persist ports and home values.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func (c *Config) applyDefaults() {
	if c.PolicyType == "" {
		c.PolicyType = PolicyOpenPI
	}
	if c.ServerPort == 0 {
		c.ServerPort = DefaultServerPort
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Hz == 0 {
		c.Hz = DefaultHz
	}
	if c.MaxStepDelta == 0 {
		c.MaxStepDelta = DefaultMaxStepDelta
	}
	if c.PolicyRetries == 0 {
		c.PolicyRetries = DefaultPolicyRetries
	}
	if c.ActionHorizon == 0 && c.PolicyType == PolicyOpenPI {
		c.ActionHorizon = DefaultActionHorizon
	}
	if c.StalenessBudget == 0 {
		c.StalenessBudget = Duration(DefaultStalenessBudget)
	}
	if c.InferTimeout == 0 {
		c.InferTimeout = Duration(DefaultInferTimeout)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.CameraReadTimeout == 0 {
		c.CameraReadTimeout = Duration(DefaultCameraReadTimeout)
	}
	if c.HomeTolerance == 0 {
		c.HomeTolerance = DefaultHomeTolerance
	}
	if c.HomeTimeout == 0 {
		c.HomeTimeout = Duration(DefaultHomeTimeout)
	}
	if c.Robot.ID == "" {
		c.Robot.ID = "follower"
	}
	if c.Teleop != nil && c.Teleop.ID == "" {
		c.Teleop.ID = "leader"
	}
	if len(c.Robot.Joints) == 0 {
		c.Robot.Joints = DefaultJoints()
	}
	if c.Robot.Gripper == nil {
		g := DefaultGripper()
		c.Robot.Gripper = &g
	}
}

// DefaultJoints returns the SO-101 angular joint table with the LeRobot
// normalized range and no home positions.
func DefaultJoints() []Joint {
	return []Joint{
		{Name: "shoulder_pan", Min: -100, Max: 100},
		{Name: "shoulder_lift", Min: -100, Max: 100},
		{Name: "elbow_flex", Min: -100, Max: 100},
		{Name: "wrist_flex", Min: -100, Max: 100},
		{Name: "wrist_roll", Min: -100, Max: 100},
	}
}

// DefaultGripper returns the SO-101 gripper joint with its normalized
// open/closed range.
func DefaultGripper() Joint {
	return Joint{Name: "gripper", Min: 0, Max: 100}
}
