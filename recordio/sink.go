package recordio

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/pcfusion/config"
	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/pointcloud"
	"go.viam.com/pcfusion/pubsub"
	"go.viam.com/pcfusion/utils"
)

// FileSink writes every record published to a topic into a directory, one file per record
// named after its stamp.
type FileSink struct {
	cfg     config.OutputConfig
	sub     *pubsub.Subscription
	logger  logging.Logger
	workers *utils.StoppableWorkers
}

// NewFileSink subscribes to topic and starts writing.
func NewFileSink(
	cfg config.OutputConfig,
	bus *pubsub.Bus,
	topic string,
	buffer int,
	logger logging.Logger,
) (*FileSink, error) {
	if err := cfg.Validate("output"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Directory, 0o750); err != nil {
		return nil, errors.Wrapf(err, "cannot create output directory %q", cfg.Directory)
	}
	sub, err := bus.Subscribe(topic, buffer)
	if err != nil {
		return nil, err
	}
	s := &FileSink{cfg: cfg, sub: sub, logger: logger}
	s.workers = utils.NewStoppableWorkers(s.run)
	return s, nil
}

func (s *FileSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.sub.C():
			if !ok {
				return
			}
			path, err := WriteRecordFile(rec, s.cfg)
			if err != nil {
				s.logger.Errorw("cannot write record", "stamp", rec.Stamp, "error", err)
				continue
			}
			s.logger.Debugw("wrote record", "file", path, "points", rec.NumPoints())
		}
	}
}

// Close stops writing. A record being written is completed first.
func (s *FileSink) Close() error {
	err := s.sub.Close()
	s.workers.Stop()
	return err
}

// WriteRecordFile writes rec into cfg.Directory in the configured format and returns the path.
// The file is written under a temporary name and renamed once complete.
func WriteRecordFile(rec *pointcloud.Record, cfg config.OutputConfig) (string, error) {
	ext := pcdExt
	if cfg.Format == config.FormatLAS {
		ext = ".las"
	}
	path := filepath.Join(cfg.Directory, NameForStamp(rec.Stamp, ext))
	tmp := filepath.Join(cfg.Directory, "."+filepath.Base(path)+".tmp")

	if cfg.Format == config.FormatLAS {
		if err := pointcloud.WriteToLASFile(rec, tmp); err != nil {
			utils.RemoveFileNoError(tmp)
			return "", err
		}
	} else if err := WritePCDFile(rec, tmp, cfg.PCDType()); err != nil {
		utils.RemoveFileNoError(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		utils.RemoveFileNoError(tmp)
		return "", err
	}
	return path, nil
}

// WritePCDFile writes rec to path in the given pcd DATA mode.
func WritePCDFile(rec *pointcloud.Record, path string, pcdType pointcloud.PCDType) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return pointcloud.WritePCD(rec, f, pcdType)
}
