// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import "sync"

type eventObserver[T any] struct {
	id int
	fn func(T)
}

// EventStream is a named, typed event source. Observers are called synchronously, in subscription order,
// on the goroutine that calls Notify.
type EventStream[T any] struct {
	lock      sync.Mutex
	nextID    int
	observers []eventObserver[T]
}

// Subscribe registers an observer and returns a func that removes it.
func (s *EventStream[T]) Subscribe(fn func(T)) func() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, eventObserver[T]{id: id, fn: fn})

	return func() {
		s.remove(id)
	}
}

func (s *EventStream[T]) remove(id int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, o := range s.observers {
		if o.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *EventStream[T]) HasObservers() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.observers) > 0
}

// Clear drops all observers.
func (s *EventStream[T]) Clear() {
	s.lock.Lock()
	s.observers = nil
	s.lock.Unlock()
}

func (s *EventStream[T]) Notify(event T) {
	s.lock.Lock()
	if len(s.observers) == 0 {
		s.lock.Unlock()
		return
	}
	observers := make([]eventObserver[T], len(s.observers))
	copy(observers, s.observers)
	s.lock.Unlock()

	for _, o := range observers {
		o.fn(event)
	}
}
