package storage

import "sync"

// KeyLocker выдает эксклюзивную блокировку на ключ (путь файла, ключ объекта).
// Мьютекс живет, пока его держат или ждут; последний unlock удаляет запись,
// так что размер карты ограничен числом одновременных операций.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock блокирует ключ и возвращает функцию разблокировки.
// Функцию разблокировки нельзя вызывать дважды.
func (l *KeyLocker) Lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	lock, ok := l.locks[key]
	if !ok {
		lock = &keyLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len возвращает число ключей, которые сейчас держат или ждут
func (l *KeyLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
