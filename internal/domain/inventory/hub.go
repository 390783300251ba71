package inventory

import "sync"

// Hub fans stock changes out to subscribers. The zero value is ready to use.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(StockChange)
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is safe.
func (h *Hub) Subscribe(fn func(StockChange)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[int]func(StockChange))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
		})
	}
}

// Publish calls every subscriber for each change, in order. Subscribers run
// without the hub lock held, so they may subscribe or unsubscribe.
func (h *Hub) Publish(changes ...StockChange) {
	if len(changes) == 0 {
		return
	}
	h.mu.Lock()
	fns := make([]func(StockChange), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}
