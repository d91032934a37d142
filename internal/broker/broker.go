// Low Tide is a self-hosted URL download job service.
// Copyright (C) 2025 Low Tide contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package broker is the in-process pub/sub hub between the scheduler and
// the WebSocket layer. Publishing never blocks: a slow subscriber loses
// its oldest undelivered events rather than stalling a running job.
package broker

import (
	"log"
	"sync"

	"lowtide/internal/metrics"
	"lowtide/pkg/models"
)

// subscriberBuffer is the per-subscriber channel capacity. Overflow
// evicts the oldest undelivered event for that subscriber only.
const subscriberBuffer = 256

// Event type discriminators, mirrored in the WebSocket wire frames.
const (
	EventJobSnapshot  = "job_snapshot"
	EventJobLog       = "job_log"
	EventJobsArchived = "jobs_archived"
)

// Event is a single broadcast message. Job is set for snapshots, Line
// and Seq for log events; JobID is set for both.
type Event struct {
	Type  string      `json:"type"`
	JobID int64       `json:"job_id,omitempty"`
	Job   *models.Job `json:"job,omitempty"`
	Seq   int64       `json:"seq,omitempty"`
	Line  string      `json:"line,omitempty"`
}

// Broker fans events out to subscribers. The zero value is not usable;
// call New.
type Broker struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
	logger *log.Logger
}

// New returns an empty broker. logger may be nil to suppress logging.
func New(logger *log.Logger) *Broker {
	return &Broker{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its event channel.
// The channel is closed by Unsubscribe or Close.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown
// channels are ignored.
func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Close shuts the broker down, closing all subscriber channels.
// Publishing after Close is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// PublishSnapshot broadcasts a full job state snapshot. The job is
// published without its log buffer; live logs travel as separate events.
func (b *Broker) PublishSnapshot(job *models.Job) {
	if job == nil {
		return
	}
	j := job.WithoutLogs()
	b.publish(Event{Type: EventJobSnapshot, JobID: j.ID, Job: &j})
}

// PublishLogLine broadcasts one captured log line for a running job.
// seq is the per-job line sequence, starting at 1 for each run.
func (b *Broker) PublishLogLine(jobID, seq int64, line string) {
	b.publish(Event{Type: EventJobLog, JobID: jobID, Seq: seq, Line: line})
}

// PublishJobsArchived broadcasts that a bulk archive took place so
// clients can refresh their listings.
func (b *Broker) PublishJobsArchived() {
	b.publish(Event{Type: EventJobsArchived})
}

func (b *Broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		b.send(ch, ev)
	}
}

// send delivers ev, evicting the subscriber's oldest undelivered events
// until there is room. Every eviction is counted and logged; the new
// event itself is never dropped.
func (b *Broker) send(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
			metrics.IncBrokerDropped()
			if b.logger != nil {
				b.logger.Printf("broker: dropped event for slow subscriber")
			}
		default:
			// The subscriber consumed between the two checks; the next
			// send attempt will find room.
		}
	}
}
