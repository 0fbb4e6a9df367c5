package kv

import (
	"sync"
)

// Resolved returns a future that is already complete
func Resolved(value []byte, err error) Future {
	return &resolvedFuture{value: value, err: err}
}

type resolvedFuture struct {
	value []byte
	err   error
}

func (future *resolvedFuture) Get() ([]byte, error) {
	return future.value, future.err
}

func (future *resolvedFuture) Ready() bool {
	return true
}

// Lazy returns a future that runs read the first time Get is called
func Lazy(read func() ([]byte, error)) Future {
	return &lazyFuture{read: read}
}

type lazyFuture struct {
	once  sync.Once
	read  func() ([]byte, error)
	value []byte
	err   error
	done  bool
}

func (future *lazyFuture) Get() ([]byte, error) {
	future.once.Do(func() {
		future.value, future.err = future.read()
		future.done = true
	})

	return future.value, future.err
}

func (future *lazyFuture) Ready() bool {
	return future.done
}

// Async runs read in a new goroutine and returns a future for its result
func Async(read func() ([]byte, error)) Future {
	future := &asyncFuture{done: make(chan struct{})}

	go func() {
		defer close(future.done)

		future.value, future.err = read()
	}()

	return future
}

type asyncFuture struct {
	done  chan struct{}
	value []byte
	err   error
}

func (future *asyncFuture) Get() ([]byte, error) {
	<-future.done

	return future.value, future.err
}

func (future *asyncFuture) Ready() bool {
	select {
	case <-future.done:
		return true
	default:
		return false
	}
}
