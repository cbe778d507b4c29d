// Package spatialmath defines the rigid transforms used to move point records between
// reference frames.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// orthonormalEpsilon bounds how far R*R^T may stray from the identity for a matrix
// to still be accepted as a rotation.
const orthonormalEpsilon = 1e-6

// Transform is an immutable rigid transform (rotation followed by translation). It maps
// coordinates expressed in a source frame into a target frame and is equivalent to the
// 4x4 homogeneous matrix returned by Matrix.
type Transform struct {
	rotation    quat.Number
	translation r3.Vector
}

// NewIdentityTransform returns the transform that leaves every point unchanged.
func NewIdentityTransform() Transform {
	return Transform{rotation: quat.Number{Real: 1}}
}

// NewTransform returns a transform from a translation and a rotation quaternion. The
// quaternion is normalized; a zero quaternion is treated as no rotation.
func NewTransform(translation r3.Vector, rotation quat.Number) Transform {
	n := quat.Abs(rotation)
	if n == 0 {
		rotation = quat.Number{Real: 1}
	} else {
		rotation = quat.Scale(1/n, rotation)
	}
	return Transform{rotation: rotation, translation: translation}
}

// NewTransformFromTranslation returns a pure translation.
func NewTransformFromTranslation(translation r3.Vector) Transform {
	return NewTransform(translation, quat.Number{Real: 1})
}

// NewTransformFromAxisAngle returns a transform rotating by the given axis angle then translating.
func NewTransformFromAxisAngle(translation r3.Vector, aa *R4AA) Transform {
	return NewTransform(translation, aa.ToQuat())
}

// NewTransformFromMatrix builds a transform from a 4x4 homogeneous matrix. The upper-left 3x3
// block must be a proper rotation and the bottom row must be (0, 0, 0, 1).
func NewTransformFromMatrix(m mat.Matrix) (Transform, error) {
	if r, c := m.Dims(); r != 4 || c != 4 {
		return Transform{}, errors.Errorf("expected a 4x4 matrix but got %dx%d", r, c)
	}
	for col, want := range []float64{0, 0, 0, 1} {
		if math.Abs(m.At(3, col)-want) > orthonormalEpsilon {
			return Transform{}, errors.Errorf("bottom row of homogeneous matrix must be (0 0 0 1), got %v at column %d", m.At(3, col), col)
		}
	}

	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, m.At(i, j))
		}
	}
	var rrt mat.Dense
	rrt.Mul(rot, rot.T())
	if !mat.EqualApprox(&rrt, identity3, orthonormalEpsilon) {
		return Transform{}, errors.New("rotation block is not orthonormal")
	}
	if det := mat.Det(rot); math.Abs(det-1) > orthonormalEpsilon {
		return Transform{}, errors.Errorf("rotation block must have determinant 1, got %f", det)
	}

	return NewTransform(r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}, rotationMatrixToQuat(rot)), nil
}

var identity3 = mat.NewDiagDense(3, []float64{1, 1, 1})

// Translation returns the translational part of the transform.
func (t Transform) Translation() r3.Vector {
	return t.translation
}

// Rotation returns the rotational part of the transform as a unit quaternion.
func (t Transform) Rotation() quat.Number {
	if t.rotation == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return t.rotation
}

// Homogeneous returns the 4x4 homogeneous matrix in row-major order.
func (t Transform) Homogeneous() [16]float64 {
	r := rotationMatrix(t.Rotation())
	return [16]float64{
		r[0], r[1], r[2], t.translation.X,
		r[3], r[4], r[5], t.translation.Y,
		r[6], r[7], r[8], t.translation.Z,
		0, 0, 0, 1,
	}
}

// Matrix returns the 4x4 homogeneous matrix.
func (t Transform) Matrix() *mat.Dense {
	h := t.Homogeneous()
	return mat.NewDense(4, 4, h[:])
}

// Apply maps a point through the transform.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return rotateVector(t.Rotation(), p).Add(t.translation)
}

// Inverse returns the transform undoing t.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(t.Rotation())
	return Transform{rotation: inv, translation: rotateVector(inv, t.translation).Mul(-1)}
}

// IsIdentity returns whether the transform is exactly the identity.
func (t Transform) IsIdentity() bool {
	return t.Rotation() == quat.Number{Real: 1} && t.translation == r3.Vector{}
}

func (t Transform) String() string {
	q := t.Rotation()
	return fmt.Sprintf("t=(%g %g %g) q=(%g %g %g %g)",
		t.translation.X, t.translation.Y, t.translation.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}

// Compose returns the matrix product a·b, i.e. the transform applying b first and then a.
func Compose(a, b Transform) Transform {
	return Transform{
		rotation:    normalize(quat.Mul(a.Rotation(), b.Rotation())),
		translation: a.Apply(b.translation),
	}
}

// Interpolate returns the transform a fraction `by` of the way from a to b, linearly for the
// translation and spherically for the rotation.
func Interpolate(a, b Transform, by float64) Transform {
	return Transform{
		rotation:    slerp(a.Rotation(), b.Rotation(), by),
		translation: a.translation.Add(b.translation.Sub(a.translation).Mul(by)),
	}
}

// AlmostEqual returns whether two transforms are within epsilon of each other, both in
// translation and in quaternion components.
func AlmostEqual(a, b Transform, epsilon float64) bool {
	if a.translation.Sub(b.translation).Norm() > epsilon {
		return false
	}
	return QuaternionAlmostEqual(a.Rotation(), b.Rotation(), epsilon)
}
