// Package cli contains the pcaggregate command line.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

// CLI flags.
const (
	generalFlagConfig = "config"
	generalFlagDebug  = "debug"

	mergeFlagOutput  = "output"
	mergeFlagFrameID = "frame-id"
	mergeFlagPCDData = "pcd-data"

	replayFlagBag       = "bag"
	replayFlagOutputDir = "output-dir"
)

var app = &cli.App{
	Name:            "pcaggregate",
	Usage:           "merge synchronized point cloud streams into a single frame",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.PathFlag{
			Name:    generalFlagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "run",
			Usage:  "watch the configured inputs and write merged records until interrupted",
			Action: RunAction,
		},
		{
			Name:      "merge",
			Usage:     "merge pcd files once using the configured static frames",
			ArgsUsage: "<file[:frame]>...",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     mergeFlagOutput,
					Aliases:  []string{"o"},
					Required: true,
					Usage:    "write the merged record to `FILE`; a .las extension writes LAS",
				},
				&cli.StringFlag{
					Name:  mergeFlagFrameID,
					Usage: "frame to merge into; defaults to frame_id from the config, then the first file's frame",
				},
				&cli.StringFlag{
					Name:  mergeFlagPCDData,
					Value: "binary",
					Usage: "pcd DATA mode: ascii, binary or binary_compressed",
				},
			},
			Action: MergeAction,
		},
		{
			Name:  "replay",
			Usage: "merge the point cloud topics of a rosbag using the transforms recorded in it",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     replayFlagBag,
					Required: true,
					Usage:    "read messages from the rosbag `FILE`",
				},
				&cli.PathFlag{
					Name:  replayFlagOutputDir,
					Usage: "write merged records to `DIR` instead of the configured output directory",
				},
			},
			Action: ReplayAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
