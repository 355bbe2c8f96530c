/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package conn

import "sync/atomic"

// connStats holds a Connection's lifecycle counters, each one a plain
// atomic.Int64 so OnReadable/OnWritable never block on a mutex just to
// bump a count. Snapshot turns them into the string-keyed form
// busstats.Exporter scrapes.
type connStats struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	repliesCompleted atomic.Int64
	repliesTimedOut  atomic.Int64
	disconnects      atomic.Int64
}

// Snapshot returns a point-in-time copy of c's counters, keyed the way
// busstats.Exporter's flattenKey expects to see them.
func (c *Connection) Snapshot() map[string]int64 {
	return map[string]int64{
		"messages.sent":     c.stats.messagesSent.Load(),
		"messages.received": c.stats.messagesReceived.Load(),
		"replies.completed": c.stats.repliesCompleted.Load(),
		"replies.timed_out": c.stats.repliesTimedOut.Load(),
		"disconnects":       c.stats.disconnects.Load(),
	}
}
