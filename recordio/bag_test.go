package recordio

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pcfusion/pointcloud"
	"go.viam.com/pcfusion/referenceframe"
)

func cloudMessage(t *testing.T, rec *pointcloud.Record) []byte {
	t.Helper()
	fields := make([]pointField, 0, len(rec.Fields))
	for _, f := range rec.Fields {
		fields = append(fields, pointField{Name: f.Name, Offset: f.Offset, Datatype: uint8(f.Datatype), Count: f.Count})
	}
	msg, err := json.Marshal(bagMessage[pointCloud2]{Data: pointCloud2{
		Header: bagHeader{
			Stamp:   bagStamp{Secs: rec.Stamp.Unix(), Nsecs: int64(rec.Stamp.Nanosecond())},
			FrameID: rec.FrameID,
		},
		Height:      rec.Height,
		Width:       rec.Width,
		Fields:      fields,
		IsBigEndian: rec.IsBigEndian,
		PointStep:   rec.PointStep,
		RowStep:     rec.RowStep,
		Data:        rec.Data,
		IsDense:     rec.IsDense,
	}})
	test.That(t, err, test.ShouldBeNil)
	return append(msg, '\n')
}

func TestRecordFromBagMessage(t *testing.T) {
	stamp := time.Unix(1000, 250)
	want := pointcloud.NewRecordBuilder("x", "y", "z", "intensity").
		AddPoint(1, 2, 3, 4).
		Build(pointcloud.Header{Stamp: stamp, FrameID: "velodyne"})

	got, err := RecordFromBagMessage(cloudMessage(t, want))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Stamp.Equal(stamp), test.ShouldBeTrue)
	test.That(t, got.FrameID, test.ShouldEqual, "velodyne")
	test.That(t, got.Fields, test.ShouldResemble, want.Fields)
	test.That(t, got.Data, test.ShouldResemble, want.Data)
	test.That(t, got.PointStep, test.ShouldEqual, want.PointStep)

	// the snake case keys written by the bag parser
	raw := []byte(`{"meta": {"secs": 1}, "data": {"header": {"stamp": {"secs": 5, "nsecs": 7}, "frame_id": "base"},
		"height": 1, "width": 1, "point_step": 12, "row_step": 12, "is_bigendian": false, "is_dense": true,
		"fields": [{"name": "x", "offset": 0, "datatype": 7, "count": 1},
			{"name": "y", "offset": 4, "datatype": 7, "count": 1},
			{"name": "z", "offset": 8, "datatype": 7, "count": 1}],
		"data": [0, 0, 128, 63, 0, 0, 0, 64, 0, 0, 64, 64]}}`)
	got, err = RecordFromBagMessage(raw)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Stamp.Equal(time.Unix(5, 7)), test.ShouldBeTrue)
	vs, err := got.Vectors()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vs, test.ShouldResemble, []r3.Vector{{X: 1, Y: 2, Z: 3}})

	_, err = RecordFromBagMessage([]byte(`{"data": {"width": 2, "height": 1, "point_step": 12, "data": []}}`))
	test.That(t, err, test.ShouldNotBeNil)

	recs, err := RecordsFromBagMessages([][]byte{raw, []byte("not json")})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "message 1")
	test.That(t, recs, test.ShouldBeNil)
}

func TestLoadBagTransforms(t *testing.T) {
	buf := referenceframe.NewBuffer(time.Hour)
	static := [][]byte{[]byte(`{"data": {"transforms": [
		{"header": {"frame_id": "base_link"}, "child_frame_id": "velodyne",
		 "transform": {"translation": {"x": 1, "y": 0, "z": 0.5}, "rotation": {"x": 0, "y": 0, "z": 0, "w": 1}}}]}}`)}
	dynamic := [][]byte{
		[]byte(`{"data": {"transforms": [{"header": {"stamp": {"secs": 100}, "frame_id": "odom"}, "child_frame_id": "base_link",
		 "transform": {"translation": {"x": 0}, "rotation": {"w": 1}}}]}}`),
		[]byte(`{"data": {"transforms": [{"header": {"stamp": {"secs": 101}, "frame_id": "odom"}, "child_frame_id": "base_link",
		 "transform": {"translation": {"x": 2}, "rotation": {"z": 0.7071067811865476, "w": 0.7071067811865476}}}]}}`),
	}

	n, err := LoadBagTransforms(buf, static, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)
	n, err = LoadBagTransforms(buf, dynamic, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)

	tf, err := buf.Lookup(t.Context(), "odom", "velodyne", time.Unix(101, 0), 0)
	test.That(t, err, test.ShouldBeNil)
	p := tf.Apply(r3.Vector{})
	test.That(t, p.Sub(r3.Vector{X: 2, Y: 1, Z: 0.5}).Norm(), test.ShouldBeLessThan, 1e-9)

	_, err = LoadBagTransforms(buf, [][]byte{[]byte(`{"data": {"transforms": [{"header": {"frame_id": "a"}, "child_frame_id": "a"}]}}`)}, true)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSplitLines(t *testing.T) {
	lines, err := splitLines(bytes.NewBufferString("a\n\nb\nc"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lines, test.ShouldHaveLength, 3)
	test.That(t, string(lines[2]), test.ShouldEqual, "c")
}
