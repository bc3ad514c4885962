package collab

import (
	"sync"

	"github.com/golang/glog"
)

// CallbackList is a copy-on-read observer list. Add returns an
// unsubscribe function. Callbacks registered while a dispatch is in
// flight do not receive that dispatch.
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextIndex int
	callbacks map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	index := self.nextIndex
	self.nextIndex += 1
	self.callbacks[index] = callback

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.callbacks, index)
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, callback := range self.callbacks {
		callbacks = append(callbacks, callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks = map[int]T{}
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// all callbacks are wrapped to recover from errors. a misbehaving
// observer must not take down the caller
func handleCallback(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("%s callback recovered = %v\n", tag, r)
		}
	}()
	callback()
}
