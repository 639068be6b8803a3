package maps

// Implementation names accepted by NewConcurrentMap.
const (
	ImplXSync   = "xsync"
	ImplCornelk = "cornelk"
	ImplSharded = "sharded"
)

// Integer is a constraint that permits any integer type.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a thread-safe map keyed by integer ids (fiber ids, carrier
// ids, environment ids). The backing implementation is chosen at construction.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	Range(f func(key K, value V) bool)
	Len() int
}

// NewConcurrentMap returns a map backed by the named implementation.
// Unknown names fall back to xsync.
func NewConcurrentMap[K Integer, V any](impl string) ConcurrentMap[K, V] {
	switch impl {
	case ImplCornelk:
		return NewCornelkMap[K, V]()
	case ImplSharded:
		return NewShardedMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}

// ValidImplementation reports whether impl names a known backend.
func ValidImplementation(impl string) bool {
	switch impl {
	case ImplXSync, ImplCornelk, ImplSharded:
		return true
	}
	return false
}
