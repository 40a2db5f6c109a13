/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package ledger

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	error2 "github.com/scailio-oss/dreserve/error"
	"github.com/scailio-oss/dreserve/reserver"
)

// Memory is a Ledger living in the memory of a single process. The mutex plays the role of the storage engine's
// atomic primitive, so it only provides exclusion between callers sharing this instance.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	lastId  int64
	active  map[string]*reserver.Record
	history map[string][]reserver.Record
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:   clk,
		active:  map[string]*reserver.Record{},
		history: map[string][]reserver.Record{},
	}
}

func (m *Memory) Reserve(_ context.Context, resourceId string, ownerId string) (*reserver.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.active[resourceId]; ok {
		return nil, &error2.ConflictError{ResourceId: resourceId, Owner: holder.OwnerId}
	}

	m.lastId++
	rec := &reserver.Record{
		Id:         m.lastId,
		ResourceId: resourceId,
		OwnerId:    ownerId,
		CreatedAt:  m.clock.Now().UTC(),
		Active:     true,
	}
	m.active[resourceId] = rec

	res := *rec
	return &res, nil
}

func (m *Memory) Release(_ context.Context, resourceId string, ownerId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.active[resourceId]
	if !ok {
		return false, nil
	}
	if holder.OwnerId != ownerId {
		return false, &error2.ForbiddenError{ResourceId: resourceId, Owner: ownerId, Holder: holder.OwnerId}
	}

	released := *holder
	released.Active = false
	m.history[resourceId] = append(m.history[resourceId], released)
	delete(m.active, resourceId)
	return true, nil
}

func (m *Memory) Lookup(_ context.Context, resourceId string) (*reserver.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.active[resourceId]; ok {
		res := *holder
		return &res, nil
	}
	if h := m.history[resourceId]; len(h) > 0 {
		res := h[len(h)-1]
		return &res, nil
	}
	return nil, nil
}

func (m *Memory) Check(_ context.Context) error {
	return nil
}

// History returns all released records of the resource, oldest first.
func (m *Memory) History(resourceId string) []reserver.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]reserver.Record(nil), m.history[resourceId]...)
}
