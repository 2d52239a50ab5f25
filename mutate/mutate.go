// Package mutate exposes named injection points where an external fuzzing
// harness may substitute the bytes a device produces or consumes.
package mutate

// Point names an injection point.
type Point string

const (
	// PointDeviceIDResponse is the GET_DEVICE_ID response before it is sent.
	PointDeviceIDResponse Point = "get_device_id_response"
	// PointDataAvailable is a bulk OUT chunk before the job sink consumes it.
	PointDataAvailable Point = "handle_data_available"
)

// Mutator decides, per point, whether to replace data. It returns the
// substitute and true, or false to keep data as is.
type Mutator interface {
	Mutate(point Point, data []byte) ([]byte, bool)
}

// Apply runs m over data at point, tolerating a nil Mutator.
func Apply(m Mutator, point Point, data []byte) []byte {
	if m == nil {
		return data
	}
	if out, ok := m.Mutate(point, data); ok {
		return out
	}
	return data
}

// None never mutates.
type None struct{}

func (None) Mutate(Point, []byte) ([]byte, bool) { return nil, false }

// Func adapts a function to Mutator.
type Func func(point Point, data []byte) ([]byte, bool)

func (f Func) Mutate(point Point, data []byte) ([]byte, bool) { return f(point, data) }

// Static replaces the data at each listed point with a fixed payload.
type Static map[Point][]byte

func (s Static) Mutate(point Point, _ []byte) ([]byte, bool) {
	out, ok := s[point]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), out...), true
}

// Chain asks each mutator in order; the first that claims the point wins.
type Chain []Mutator

func (c Chain) Mutate(point Point, data []byte) ([]byte, bool) {
	for _, m := range c {
		if m == nil {
			continue
		}
		if out, ok := m.Mutate(point, data); ok {
			return out, true
		}
	}
	return nil, false
}
