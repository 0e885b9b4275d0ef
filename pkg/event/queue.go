/*
 * Copyright 2019-2020 by Nedim Sabic Sabic
 * https://www.fibratus.io
 * All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package event

import (
	"expvar"
)

// eventsEnqueued counts the number of events that are pushed to the queue
var eventsEnqueued = expvar.NewInt("session.events.enqueued")

// Listener is the minimal interface that all event listeners need to implement.
type Listener interface {
	// ProcessEvent receives the event and returns a boolean value
	// indicating if the event should continue the processing journey.
	// In case any errors occur during processing, this method returns
	// the error and stops further event processing.
	ProcessEvent(*Event) (bool, error)
}

// Queue is the channel-backed data structure for
// pushing decoded events and invoking listeners.
// Listeners run synchronously on the decoding
// goroutine, in registration order, which keeps
// them in the exact order messages were framed.
type Queue struct {
	q         chan *Event
	listeners []Listener
}

// NewQueue constructs a new queue with the given channel size.
func NewQueue(size int) *Queue {
	return &Queue{q: make(chan *Event, size), listeners: make([]Listener, 0)}
}

// RegisterListener registers a new queue event listener. The listener
// is invoked before the event is pushed to the queue.
func (q *Queue) RegisterListener(listener Listener) {
	q.listeners = append(q.listeners, listener)
}

// Events returns the channel with all queued events.
func (q *Queue) Events() <-chan *Event { return q.q }

// Close closes the events channel. No events can be pushed afterwards.
func (q *Queue) Close() { close(q.q) }

// Push pushes a new event to the channel. Prior to
// sending the event to the channel, all registered
// listeners are invoked. A listener returning false
// stops the journey of the event: remaining listeners
// are skipped and the event is not enqueued.
func (q *Queue) Push(e *Event) error {
	for _, listener := range q.listeners {
		ok, err := listener.ProcessEvent(e)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	q.q <- e
	eventsEnqueued.Add(1)
	return nil
}
