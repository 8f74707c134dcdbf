package manager

import (
	"context"

	"rangedb/internal/engine"
)

const invalidEntry = "invalid:invalid"

// CreateIterator allocates a fresh id from the monotonic counter (ids are
// never recycled) and inserts an empty cursor (position=nil,
// direction=Forward).
func (m *Manager) CreateIterator() int64 {
	m.itersMu.Lock()
	defer m.itersMu.Unlock()
	id := m.nextIterID
	m.nextIterID++
	m.iterators[id] = &cursorState{cf: engine.DefaultCF, dir: engine.Forward}
	return id
}

func (m *Manager) DestroyIterator(id int64) error {
	m.itersMu.Lock()
	defer m.itersMu.Unlock()
	if _, ok := m.iterators[id]; !ok {
		return ErrIteratorNotFound
	}
	delete(m.iterators, id)
	return nil
}

// readOne positions a short-lived engine iterator at from moving in dir
// and reads a single entry. Live engine iterators are never stored: every
// call materializes a fresh cursor from the stored position instead of
// keeping one open between requests.
func (m *Manager) readOne(ctx context.Context, cf string, from []byte, dir engine.Direction) (key, value []byte, ok bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return nil, nil, false, err
	}

	it, err := m.eng.NewIterator(ctx, cf, from, dir)
	if err != nil {
		return nil, nil, false, mapEngineErr(err)
	}
	defer it.Close()

	if !it.Next() {
		return nil, nil, false, mapEngineErr(it.Err())
	}
	k := append([]byte(nil), it.Key()...)
	v := append([]byte(nil), it.Value()...)
	return k, v, true, nil
}

func formatEntry(key, value []byte, ok bool) string {
	if !ok {
		return invalidEntry
	}
	return string(key) + ":" + string(value)
}

// IteratorSeek positions cursor id at key moving in dir.
func (m *Manager) IteratorSeek(ctx context.Context, id int64, cf, key string, dir engine.Direction) (string, error) {
	m.itersMu.Lock()
	cur, ok := m.iterators[id]
	m.itersMu.Unlock()
	if !ok {
		return "", ErrIteratorNotFound
	}
	if cf == "" {
		cf = engine.DefaultCF
	}

	k, v, found, err := m.readOne(ctx, cf, []byte(key), dir)
	if err != nil {
		return "", err
	}

	m.itersMu.Lock()
	cur.cf = cf
	cur.dir = dir
	cur.valid = found
	if found {
		cur.position = k
	}
	m.itersMu.Unlock()

	return formatEntry(k, v, found), nil
}

// IteratorSeekForPrev positions cursor id at the largest key at or before
// key, by seeking in Reverse from key.
func (m *Manager) IteratorSeekForPrev(ctx context.Context, id int64, cf, key string) (string, error) {
	return m.IteratorSeek(ctx, id, cf, key, engine.Reverse)
}

func (m *Manager) advance(ctx context.Context, id int64, flip bool) (string, error) {
	m.itersMu.Lock()
	cur, ok := m.iterators[id]
	m.itersMu.Unlock()
	if !ok {
		return "", ErrIteratorNotFound
	}
	if !cur.valid {
		return invalidEntry, nil
	}

	dir := cur.dir
	if flip {
		dir = oppositeDirection(dir)
	}

	// The stored position re-seeks to itself as the first element; the
	// second element read is the actual next/prev entry.
	it, err := m.newEngineIter(ctx, cur.cf, cur.position, dir)
	if err != nil {
		return "", err
	}
	defer it.Close()

	if !it.Next() {
		return invalidEntry, mapEngineErr(it.Err())
	}
	if !it.Next() {
		m.itersMu.Lock()
		cur.valid = false
		m.itersMu.Unlock()
		return invalidEntry, mapEngineErr(it.Err())
	}

	k := append([]byte(nil), it.Key()...)
	v := append([]byte(nil), it.Value()...)

	m.itersMu.Lock()
	cur.position = k
	m.itersMu.Unlock()

	return formatEntry(k, v, true), nil
}

func (m *Manager) newEngineIter(ctx context.Context, cf string, from []byte, dir engine.Direction) (engine.Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return nil, err
	}
	it, err := m.eng.NewIterator(ctx, cf, from, dir)
	if err != nil {
		return nil, mapEngineErr(err)
	}
	return it, nil
}

func oppositeDirection(d engine.Direction) engine.Direction {
	if d == engine.Forward {
		return engine.Reverse
	}
	return engine.Forward
}

// IteratorNext advances cursor id in its stored direction.
func (m *Manager) IteratorNext(ctx context.Context, id int64) (string, error) {
	return m.advance(ctx, id, false)
}

// IteratorPrev advances cursor id against its stored direction.
func (m *Manager) IteratorPrev(ctx context.Context, id int64) (string, error) {
	return m.advance(ctx, id, true)
}
