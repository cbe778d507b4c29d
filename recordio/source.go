// Package recordio moves point records between the file system and the bus.
package recordio

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/pcfusion/config"
	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/pointcloud"
	"go.viam.com/pcfusion/pubsub"
	"go.viam.com/pcfusion/utils"
)

const pcdExt = ".pcd"

// ReadRecordFile reads a pcd file and stamps it. Files named <unix nanoseconds>.pcd take their
// stamp from the name; any other file takes its modification time.
func ReadRecordFile(path, frameID string) (*pointcloud.Record, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rec, err := pointcloud.ReadPCD(f)
	if err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "cannot read %q", path), f.Close())
	}
	stamp, ok := StampFromName(path)
	if !ok {
		info, err := f.Stat()
		if err != nil {
			return nil, multierr.Combine(err, f.Close())
		}
		stamp = info.ModTime()
	}
	rec.Stamp = stamp
	rec.FrameID = frameID
	return rec, f.Close()
}

// StampFromName parses a file name of the form <unix nanoseconds>.<ext>.
func StampFromName(path string) (time.Time, bool) {
	base := filepath.Base(path)
	nanos, err := strconv.ParseInt(strings.TrimSuffix(base, filepath.Ext(base)), 10, 64)
	if err != nil || nanos <= 0 {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// NameForStamp returns the file name StampFromName parses back into stamp.
func NameForStamp(stamp time.Time, ext string) string {
	return strconv.FormatInt(stamp.UnixNano(), 10) + ext
}

// DirSource publishes every pcd file that appears in a directory to a topic. Files should
// be moved into the directory once complete; a file that cannot be parsed yet is retried on
// its next write.
type DirSource struct {
	cfg     config.InputConfig
	bus     *pubsub.Bus
	logger  logging.Logger
	watcher *fsnotify.Watcher
	workers *utils.StoppableWorkers

	mu      sync.Mutex
	seen    map[string]struct{}
	pending map[string]struct{}
}

// NewDirSource starts watching cfg.Directory.
func NewDirSource(cfg config.InputConfig, bus *pubsub.Bus, logger logging.Logger) (*DirSource, error) {
	if err := cfg.Validate("input"); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := watcher.Add(cfg.Directory); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "failed to watch %q", cfg.Directory), watcher.Close())
	}
	s := &DirSource{
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		watcher: watcher,
		seen:    map[string]struct{}{},
		pending: map[string]struct{}{},
	}
	s.workers = utils.NewStoppableWorkers(s.watch)
	logger.Infow("watching for point records", "directory", cfg.Directory, "topic", cfg.Topic)
	return s, nil
}

func (s *DirSource) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Errorw("file watcher error", "directory", s.cfg.Directory, "error", err)
		}
	}
}

func (s *DirSource) handle(event fsnotify.Event) {
	if !strings.EqualFold(filepath.Ext(event.Name), pcdExt) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(s.seen, event.Name)
		delete(s.pending, event.Name)
		return
	case event.Has(fsnotify.Create):
	case event.Has(fsnotify.Write):
		if _, ok := s.pending[event.Name]; !ok {
			return
		}
	default:
		return
	}
	if _, ok := s.seen[event.Name]; ok {
		return
	}

	rec, err := ReadRecordFile(event.Name, s.cfg.FrameID)
	if err != nil {
		s.pending[event.Name] = struct{}{}
		s.logger.Debugw("record file not readable yet", "file", event.Name, "error", err)
		return
	}
	delete(s.pending, event.Name)
	s.seen[event.Name] = struct{}{}
	if _, err := s.bus.Publish(s.cfg.Topic, rec); err != nil {
		s.logger.Warnw("cannot publish record", "file", event.Name, "topic", s.cfg.Topic, "error", err)
	}
}

// Close stops watching.
func (s *DirSource) Close() error {
	err := s.watcher.Close()
	s.workers.Stop()
	return err
}
