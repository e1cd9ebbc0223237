package port

import "context"

// TransformFunc computes the blob to store from the blob currently stored.
// old is nil when the key has no data. It may be called more than once per
// CompareAndUpdate when the backend detects a concurrent write, so it must
// not have side effects beyond its return value.
type TransformFunc func(old []byte) []byte

type RemoteStore interface {
	// Get returns the stored blob. found is false when the key has no data.
	Get(ctx context.Context, key string) (blob []byte, found bool, err error)

	// CompareAndUpdate atomically replaces the stored blob with transform(old)
	// and returns what was written
	CompareAndUpdate(ctx context.Context, key string, transform TransformFunc) ([]byte, error)
}
