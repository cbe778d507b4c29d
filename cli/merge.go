package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"go.viam.com/pcfusion/aggregator"
	"go.viam.com/pcfusion/pointcloud"
	"go.viam.com/pcfusion/recordio"
)

type mergeInput struct {
	path  string
	frame string
}

// parseMergeInput splits "path[:frame]". Without a frame the record is assumed to already be
// in defaultFrame.
func parseMergeInput(arg, defaultFrame string) mergeInput {
	if idx := strings.LastIndex(arg, ":"); idx > 0 && idx < len(arg)-1 {
		return mergeInput{path: arg[:idx], frame: arg[idx+1:]}
	}
	return mergeInput{path: strings.TrimSuffix(arg, ":"), frame: defaultFrame}
}

// MergeAction merges the given pcd files into one record.
func MergeAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one input file is required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(c, cfg)
	pcdType, err := pointcloud.ParsePCDType(c.String(mergeFlagPCDData))
	if err != nil {
		return err
	}
	poses, err := newFrameBuffer(cfg, 0)
	if err != nil {
		return err
	}

	frameID := c.String(mergeFlagFrameID)
	if frameID == "" {
		frameID = cfg.FrameID
	}
	inputs := lo.Map(c.Args().Slice(), func(arg string, _ int) mergeInput {
		return parseMergeInput(arg, frameID)
	})

	records := make([]*pointcloud.Record, len(inputs))
	var g errgroup.Group
	for i, in := range inputs {
		g.Go(func() error {
			rec, err := recordio.ReadRecordFile(in.path, in.frame)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged, err := aggregator.Combine(c.Context, records, poses, aggregator.CombineOptions{FrameID: frameID}, logger, nil)
	if err != nil {
		return err
	}

	output := c.Path(mergeFlagOutput)
	if strings.EqualFold(filepath.Ext(output), ".las") {
		err = pointcloud.WriteToLASFile(merged, output)
	} else {
		err = recordio.WritePCDFile(merged, output, pcdType)
	}
	if err != nil {
		return errors.Wrapf(err, "cannot write %q", output)
	}
	_, err = fmt.Fprintf(c.App.Writer, "wrote %d points in frame %q to %s\n", merged.NumPoints(), merged.FrameID, output)
	return err
}
