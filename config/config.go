// Package config defines the aggregator configuration and how it is read.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"

	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/pointcloud"
	"go.viam.com/pcfusion/synchronizer"
)

// Defaults applied to unset fields.
const (
	DefaultQueueSize        = 5
	DefaultCount            = 2
	DefaultOutputTopic      = "combined_cloud"
	DefaultWaitForTransform = 100 * time.Millisecond
	DefaultWarningTimeout   = 5 * time.Second
)

// Output formats.
const (
	FormatPCD = "pcd"
	FormatLAS = "las"
)

// Config describes how input streams are synchronized, aligned and merged.
type Config struct {
	QueueSize             int           `json:"queue_size"`
	FrameID               string        `json:"frame_id"`
	FixedFrameID          string        `json:"fixed_frame_id"`
	ApproxSync            bool          `json:"approx_sync"`
	ApproxSyncMaxInterval time.Duration `json:"approx_sync_max_interval"`
	Count                 int           `json:"count"`
	Topics                []string      `json:"topics"`
	OutputTopic           string        `json:"output_topic"`
	WaitForTransform      time.Duration `json:"wait_for_transform"`
	WarningTimeout        time.Duration `json:"warning_timeout"`

	Frames  []FrameConfig  `json:"frames"`
	Inputs  []InputConfig  `json:"inputs"`
	Output  *OutputConfig  `json:"output"`
	Metrics *MetricsConfig `json:"metrics"`

	Debug bool                          `json:"debug"`
	Log   []logging.LoggerPatternConfig `json:"log"`

	// ConfigFilePath is the path the config was read from, if any.
	ConfigFilePath string `json:"-"`
}

// InputConfig reads the records of one topic from PCD files appearing in a directory.
type InputConfig struct {
	Topic     string `json:"topic"`
	Directory string `json:"directory"`
	FrameID   string `json:"frame_id"`
}

// Validate ensures the input is fully specified.
func (ic *InputConfig) Validate(path string) error {
	if ic.Topic == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "topic")
	}
	if ic.Directory == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "directory")
	}
	if ic.FrameID == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "frame_id")
	}
	return nil
}

// OutputConfig writes every merged record to a file in Directory.
type OutputConfig struct {
	Directory string `json:"directory"`
	// Format is "pcd" (the default) or "las".
	Format string `json:"format"`
	// PCDData is the pcd DATA mode: "ascii", "binary" (the default) or "binary_compressed".
	PCDData string `json:"pcd_data"`
}

// Validate ensures the output is fully specified.
func (oc *OutputConfig) Validate(path string) error {
	if oc.Directory == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "directory")
	}
	switch oc.Format {
	case "", FormatPCD, FormatLAS:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown output format %q", oc.Format))
	}
	if oc.PCDData != "" {
		if _, err := pointcloud.ParsePCDType(oc.PCDData); err != nil {
			return utils.NewConfigValidationError(path, err)
		}
	}
	return nil
}

// PCDType returns the pcd data mode to write.
func (oc *OutputConfig) PCDType() pointcloud.PCDType {
	if oc.PCDData == "" {
		return pointcloud.PCDBinary
	}
	t, err := pointcloud.ParsePCDType(oc.PCDData)
	if err != nil {
		return pointcloud.PCDBinary
	}
	return t
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Address string `json:"address"`
}

// Default returns a config with every default applied.
func Default() Config {
	return Config{
		QueueSize:        DefaultQueueSize,
		ApproxSync:       true,
		Count:            DefaultCount,
		OutputTopic:      DefaultOutputTopic,
		WaitForTransform: DefaultWaitForTransform,
		WarningTimeout:   DefaultWarningTimeout,
	}
}

// DefaultTopics returns cloud1..cloudN.
func DefaultTopics(n int) []string {
	return lo.Times(n, func(i int) string {
		return fmt.Sprintf("cloud%d", i+1)
	})
}

// Policy returns the synchronization policy the config selects.
func (c *Config) Policy() synchronizer.Policy {
	if c.ApproxSync {
		return synchronizer.ApproximatePolicy{QueueSize: c.QueueSize, MaxInterval: c.ApproxSyncMaxInterval}
	}
	return synchronizer.ExactPolicy{QueueSize: c.QueueSize}
}

// Ensure fills in derived defaults and validates the config.
func (c *Config) Ensure() error {
	if len(c.Topics) == 0 {
		c.Topics = DefaultTopics(c.Count)
	}
	return c.Validate("")
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	field := func(name string) string {
		if path == "" {
			return name
		}
		return path + "." + name
	}

	if c.Count < synchronizer.MinChannels || c.Count > synchronizer.MaxChannels {
		return utils.NewConfigValidationError(field("count"), errors.Errorf(
			"must be between %d and %d, got %d", synchronizer.MinChannels, synchronizer.MaxChannels, c.Count))
	}
	if c.QueueSize < 1 {
		return utils.NewConfigValidationError(field("queue_size"), errors.Errorf("must be at least 1, got %d", c.QueueSize))
	}
	if len(c.Topics) != c.Count {
		return utils.NewConfigValidationError(field("topics"), errors.Errorf(
			"expected %d topics to match count, got %d", c.Count, len(c.Topics)))
	}
	for idx, topic := range c.Topics {
		if topic == "" {
			return utils.NewConfigValidationFieldRequiredError(fmt.Sprintf("%s.%d", field("topics"), idx), "topic")
		}
	}
	if dups := lo.FindDuplicates(c.Topics); len(dups) != 0 {
		return utils.NewConfigValidationError(field("topics"), errors.Errorf("duplicate topics %v", dups))
	}
	if c.OutputTopic == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "output_topic")
	}
	if lo.Contains(c.Topics, c.OutputTopic) {
		return utils.NewConfigValidationError(field("output_topic"), errors.Errorf("%q is also an input topic", c.OutputTopic))
	}
	for name, d := range map[string]time.Duration{
		"approx_sync_max_interval": c.ApproxSyncMaxInterval,
		"wait_for_transform":       c.WaitForTransform,
		"warning_timeout":          c.WarningTimeout,
	} {
		if d < 0 {
			return utils.NewConfigValidationError(field(name), errors.Errorf("must not be negative, got %v", d))
		}
	}
	if c.FixedFrameID != "" && c.FixedFrameID == c.FrameID {
		return utils.NewConfigValidationError(field("fixed_frame_id"), errors.New("must differ from frame_id"))
	}

	for idx := range c.Frames {
		if err := c.Frames[idx].Validate(fmt.Sprintf("%s.%d", field("frames"), idx)); err != nil {
			return err
		}
	}
	for idx := range c.Inputs {
		in := &c.Inputs[idx]
		inPath := fmt.Sprintf("%s.%d", field("inputs"), idx)
		if err := in.Validate(inPath); err != nil {
			return err
		}
		if !lo.Contains(c.Topics, in.Topic) {
			return utils.NewConfigValidationError(inPath, errors.Errorf("topic %q is not one of %v", in.Topic, c.Topics))
		}
	}
	if c.Output != nil {
		if err := c.Output.Validate(field("output")); err != nil {
			return err
		}
	}
	for idx, lpc := range c.Log {
		if err := lpc.Validate(fmt.Sprintf("%s.%d", field("log"), idx)); err != nil {
			return err
		}
	}
	return nil
}
