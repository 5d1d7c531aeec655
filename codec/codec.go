// Package codec centralizes encoding of persisted control data (index
// metadata blobs, engine manifests).
//
// Codec selection is a breaking-change boundary: persisted bytes carry no
// codec name, so readers and writers of a dataset must agree on one. The
// built-in codecs both emit standard JSON and are interchangeable.
package codec

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}
