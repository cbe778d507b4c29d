package recordio

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/edaniels/gobag/rosbag"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/pcfusion/pointcloud"
	"go.viam.com/pcfusion/referenceframe"
	"go.viam.com/pcfusion/spatialmath"
)

// Default rosbag transform topics.
const (
	TFTopic       = "/tf"
	TFStaticTopic = "/tf_static"
)

// ReadBagTopics reads a rosbag and returns the JSON encoded messages of the given topics,
// one slice entry per message in bag order. Topics without messages are absent from the map.
func ReadBagTopics(filename string, topics ...string) (map[string][][]byte, error) {
	//nolint:gosec
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open input file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	rb := rosbag.NewRosBag()
	if err := rb.Read(f); err != nil {
		return nil, errors.Wrapf(err, "unable to read ros bag %q", filename)
	}
	if err := rb.ParseTopicsToJSON(
		"",
		func(int64) bool { return true },
		func(t string) bool { return lo.Contains(topics, t) },
		false,
	); err != nil {
		return nil, errors.Wrapf(err, "error while parsing bag to JSON")
	}

	out := map[string][][]byte{}
	for _, topic := range topics {
		buf := rb.TopicsAsJSON[topic]
		if buf == nil {
			continue
		}
		msgs, err := splitLines(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read messages of %q", topic)
		}
		out[topic] = msgs
	}
	return out, nil
}

func splitLines(buf interface{ ReadBytes(delim byte) ([]byte, error) }) ([][]byte, error) {
	var lines [][]byte
	for {
		line, err := buf.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) != 0 {
			lines = append(lines, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return nil, err
		}
	}
}

type bagStamp struct {
	Secs  int64
	Nsecs int64
}

func (s bagStamp) time() time.Time {
	return time.Unix(s.Secs, s.Nsecs)
}

type bagHeader struct {
	Stamp   bagStamp
	FrameID string `json:"frame_id"`
}

type bagMessage[T any] struct {
	Data T
}

type pointField struct {
	Name     string
	Offset   uint32
	Datatype uint8
	Count    uint32
}

type pointCloud2 struct {
	Header      bagHeader
	Height      uint32
	Width       uint32
	Fields      []pointField
	IsBigEndian bool   `json:"is_bigendian"`
	PointStep   uint32 `json:"point_step"`
	RowStep     uint32 `json:"row_step"`
	Data        []byte
	IsDense     bool `json:"is_dense"`
}

type transformStamped struct {
	Header       bagHeader
	ChildFrameID string `json:"child_frame_id"`
	Transform    struct {
		Translation struct{ X, Y, Z float64 }
		Rotation    struct{ X, Y, Z, W float64 }
	}
}

type tfMessage struct {
	Transforms []transformStamped
}

// RecordFromBagMessage decodes a sensor_msgs/PointCloud2 message.
func RecordFromBagMessage(msg []byte) (*pointcloud.Record, error) {
	var m bagMessage[pointCloud2]
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, errors.Wrap(err, "cannot decode point cloud message")
	}
	pc := m.Data
	rec := &pointcloud.Record{
		Header:      pointcloud.Header{Stamp: pc.Header.Stamp.time(), FrameID: pc.Header.FrameID},
		Height:      pc.Height,
		Width:       pc.Width,
		IsBigEndian: pc.IsBigEndian,
		PointStep:   pc.PointStep,
		RowStep:     pc.RowStep,
		Data:        pc.Data,
		IsDense:     pc.IsDense,
		Fields: lo.Map(pc.Fields, func(f pointField, _ int) pointcloud.Field {
			return pointcloud.Field{
				Name:     f.Name,
				Offset:   f.Offset,
				Datatype: pointcloud.Datatype(f.Datatype),
				Count:    f.Count,
			}
		}),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordsFromBagMessages decodes every point cloud message of a topic.
func RecordsFromBagMessages(msgs [][]byte) ([]*pointcloud.Record, error) {
	recs := make([]*pointcloud.Record, 0, len(msgs))
	for i, msg := range msgs {
		rec, err := RecordFromBagMessage(msg)
		if err != nil {
			return nil, errors.Wrapf(err, "message %d", i)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// LoadBagTransforms adds every transform of the given tf2_msgs/TFMessage messages to buf and
// returns how many were added. Static transforms ignore their stamp.
func LoadBagTransforms(buf *referenceframe.Buffer, msgs [][]byte, static bool) (int, error) {
	added := 0
	for i, msg := range msgs {
		var m bagMessage[tfMessage]
		if err := json.Unmarshal(msg, &m); err != nil {
			return added, errors.Wrapf(err, "cannot decode transform message %d", i)
		}
		for _, ts := range m.Data.Transforms {
			tr, rot := ts.Transform.Translation, ts.Transform.Rotation
			tf := spatialmath.NewTransform(
				r3.Vector{X: tr.X, Y: tr.Y, Z: tr.Z},
				quat.Number{Real: rot.W, Imag: rot.X, Jmag: rot.Y, Kmag: rot.Z},
			)
			var err error
			if static {
				err = buf.SetStatic(ts.ChildFrameID, ts.Header.FrameID, tf)
			} else {
				err = buf.Set(ts.ChildFrameID, ts.Header.FrameID, ts.Header.Stamp.time(), tf)
			}
			if err != nil {
				return added, errors.Wrapf(err, "cannot add transform %q<-%q", ts.Header.FrameID, ts.ChildFrameID)
			}
			added++
		}
	}
	return added, nil
}
