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

// serialAllocator hands out monotonic, nonzero message serials. It is
// owned by the main Connection but shared with every secondary built
// on top of it (NewSecondary copies the pointer), since the bus protocol requires
// serials to be unique across the whole physical connection, not just
// within one goroutine. atomic.Uint32 makes that sharing safe without
// a mutex.
type serialAllocator struct {
	next atomic.Uint32
}

// Next returns the next serial, skipping 0 on wraparound.
func (s *serialAllocator) Next() uint32 {
	for {
		v := s.next.Add(1)
		if v != 0 {
			return v
		}
		// v wrapped to 0: try again for the next caller; 0 itself is
		// never handed out.
	}
}
