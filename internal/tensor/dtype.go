// Package tensor provides the raw, contiguous buffer types the Li-GRU
// engines borrow from their caller.
package tensor

// Float is the constraint for element types the engines compute in.
type Float interface {
	~float32 | ~float64
}

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types. Float16 is recognized at the boundary so the
// facade can reject it explicitly on backends without native support.
const (
	Float16 DataType = iota
	Float32
	Float64
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// inferDataType infers DataType from a generic element type.
func inferDataType[T Float](dummy T) DataType {
	switch any(dummy).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	default:
		panic("unsupported element type")
	}
}
