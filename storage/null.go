package storage

// NullStore is the backend behind `archive-storage null`: archival is
// configured off, every write is discarded, and every read misses. An
// engine using it still journals through txlog; its chunks just never
// leave the machine.
type NullStore struct{}

var _ Enumerable = NullStore{}

func (NullStore) Get(Key) (Value, error) {
	return nil, ErrNotFound
}

func (NullStore) Put(Key, Value) error {
	return nil
}

func (NullStore) Delete(Key) error {
	return nil
}

func (NullStore) Contains(Key) (bool, error) {
	return false, nil
}

func (NullStore) ForEach(func(Key) error) error {
	return nil
}
