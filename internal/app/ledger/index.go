package ledger

// boundedIndex remembers the most recent values by key, evicting the oldest insert once full.
type boundedIndex[K comparable, V any] struct {
	limit int
	order []K
	head  int
	items map[K]V
}

func newBoundedIndex[K comparable, V any](limit int) *boundedIndex[K, V] {
	if limit <= 0 {
		limit = 1024
	}
	return &boundedIndex[K, V]{
		limit: limit,
		order: make([]K, 0, limit),
		items: make(map[K]V, limit),
	}
}

func (b *boundedIndex[K, V]) put(key K, value V) {
	if _, ok := b.items[key]; ok {
		b.items[key] = value
		return
	}
	if len(b.order) < b.limit {
		b.order = append(b.order, key)
	} else {
		delete(b.items, b.order[b.head])
		b.order[b.head] = key
		b.head = (b.head + 1) % b.limit
	}
	b.items[key] = value
}

func (b *boundedIndex[K, V]) get(key K) (V, bool) {
	v, ok := b.items[key]
	return v, ok
}

func (b *boundedIndex[K, V]) len() int { return len(b.items) }
