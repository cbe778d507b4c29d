package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/pcfusion/aggregator"
	"go.viam.com/pcfusion/config"
	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/pointcloud"
	"go.viam.com/pcfusion/recordio"
	"go.viam.com/pcfusion/synchronizer"
)

// replayHistory bounds the transforms kept from a bag.
const replayHistory = 24 * time.Hour

type replayRecord struct {
	channel int
	rec     *pointcloud.Record
}

type replayStats struct {
	records int
	tuples  int
	written int
	dropped int
}

// ReplayAction merges the point cloud topics of a rosbag, using the transforms recorded in it.
func ReplayAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if dir := c.Path(replayFlagOutputDir); dir != "" {
		if cfg.Output == nil {
			cfg.Output = &config.OutputConfig{}
		}
		cfg.Output.Directory = dir
	}
	if cfg.Output == nil {
		return errors.Errorf("an output directory is required; set output in the config or --%s", replayFlagOutputDir)
	}
	if err := cfg.Output.Validate("output"); err != nil {
		return err
	}
	logger := newLogger(c, cfg)

	bag := c.Path(replayFlagBag)
	msgs, err := recordio.ReadBagTopics(bag, append(slices.Clone(cfg.Topics), recordio.TFTopic, recordio.TFStaticTopic)...)
	if err != nil {
		return err
	}
	stats, err := replay(c.Context, cfg, msgs, logger)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "replayed %d records from %s: %d tuples, %d written to %s, %d dropped\n",
		stats.records, bag, stats.tuples, stats.written, cfg.Output.Directory, stats.dropped)
	return err
}

// replay runs the records of msgs through the configured sync policy in stamp order and writes
// every merged record.
func replay(ctx context.Context, cfg *config.Config, msgs map[string][][]byte, logger logging.Logger) (replayStats, error) {
	var stats replayStats
	if err := os.MkdirAll(cfg.Output.Directory, 0o750); err != nil {
		return stats, errors.Wrapf(err, "cannot create output directory %q", cfg.Output.Directory)
	}

	poses, err := newFrameBuffer(cfg, replayHistory)
	if err != nil {
		return stats, err
	}
	for topic, static := range map[string]bool{recordio.TFTopic: false, recordio.TFStaticTopic: true} {
		n, err := recordio.LoadBagTransforms(poses, msgs[topic], static)
		if err != nil {
			return stats, errors.Wrapf(err, "cannot load %q", topic)
		}
		logger.Debugw("loaded transforms", "topic", topic, "count", n)
	}

	var records []replayRecord
	for channel, topic := range cfg.Topics {
		recs, err := recordio.RecordsFromBagMessages(msgs[topic])
		if err != nil {
			return stats, errors.Wrapf(err, "cannot decode %q", topic)
		}
		if len(recs) == 0 {
			logger.Warnw("no point clouds in bag", "topic", topic)
		}
		for _, rec := range recs {
			records = append(records, replayRecord{channel: channel, rec: rec})
		}
	}
	slices.SortStableFunc(records, func(a, b replayRecord) int {
		return a.rec.Stamp.Compare(b.rec.Stamp)
	})
	stats.records = len(records)

	opts := aggregator.CombineOptions{FrameID: cfg.FrameID, FixedFrameID: cfg.FixedFrameID}
	var handlerErr error
	coordinator, err := synchronizer.NewCoordinator(
		cfg.Count,
		cfg.Policy(),
		func(tuple []*pointcloud.Record) {
			stats.tuples++
			merged, err := aggregator.Combine(ctx, tuple, poses, opts, logger, nil)
			if err != nil {
				logger.Errorw("dropping tuple", "stamp", tuple[0].Stamp, "error", err)
				return
			}
			if _, err := recordio.WriteRecordFile(merged, *cfg.Output); err != nil {
				handlerErr = err
				return
			}
			stats.written++
		},
		synchronizer.WithLogger(logger.Sublogger("sync")),
		synchronizer.WithDropHandler(func(int, *pointcloud.Record, string) {
			stats.dropped++
		}),
	)
	if err != nil {
		return stats, err
	}
	defer coordinator.Close()

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := coordinator.Add(r.channel, r.rec); err != nil {
			return stats, err
		}
		if handlerErr != nil {
			return stats, handlerErr
		}
	}
	return stats, nil
}
