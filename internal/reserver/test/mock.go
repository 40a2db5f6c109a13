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

package test

import (
	"context"
	"fmt"
	"sync"
	"time"

	error2 "github.com/scailio-oss/dreserve/error"
	"github.com/scailio-oss/dreserve/reserver"
)

func NewMockLedger() *MockLedger {
	return &MockLedger{
		Active:          map[string]*reserver.Record{},
		ReserveResponse: map[string]error{},
	}
}

type MockLedger struct {
	Mu sync.Mutex

	Active          map[string]*reserver.Record
	ReserveResponse map[string]error
	// Called at the start of each Reserve, without Mu being held.
	ReserveHook      func(ctx context.Context, resourceId string)
	CheckResponse    error
	LastId           int64
	ReserveCallCount int
	ReleaseCallCount int
	LookupCallCount  int
}

func (m *MockLedger) Reserve(ctx context.Context, resourceId string, ownerId string) (*reserver.Record, error) {
	if m.ReserveHook != nil {
		m.ReserveHook(ctx, resourceId)
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ReserveCallCount++

	if err, ok := m.ReserveResponse[resourceId]; ok {
		return nil, err
	}
	if r, ok := m.Active[resourceId]; ok {
		return nil, &error2.ConflictError{ResourceId: resourceId, Owner: r.OwnerId}
	}
	m.LastId++
	r := &reserver.Record{
		Id:         m.LastId,
		ResourceId: resourceId,
		OwnerId:    ownerId,
		CreatedAt:  time.Unix(m.LastId, 0),
		Active:     true,
	}
	m.Active[resourceId] = r
	res := *r
	return &res, nil
}

func (m *MockLedger) Release(_ context.Context, resourceId string, ownerId string) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ReleaseCallCount++

	r, ok := m.Active[resourceId]
	if !ok {
		return false, nil
	}
	if r.OwnerId != ownerId {
		return false, &error2.ForbiddenError{ResourceId: resourceId, Owner: ownerId, Holder: r.OwnerId}
	}
	delete(m.Active, resourceId)
	return true, nil
}

func (m *MockLedger) Lookup(_ context.Context, resourceId string) (*reserver.Record, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.LookupCallCount++

	if r, ok := m.Active[resourceId]; ok {
		res := *r
		return &res, nil
	}
	return nil, nil
}

func (m *MockLedger) Check(_ context.Context) error {
	return m.CheckResponse
}

func NewMockClaims() *MockClaims {
	return &MockClaims{
		Claims:          map[string]string{},
		AcquireResponse: map[string]error{},
		ReleaseResponse: map[string]error{},
		Released:        map[string]bool{},
	}
}

// MockClaims never expires claims on its own.
type MockClaims struct {
	Mu sync.Mutex

	Claims           map[string]string // key -> token
	AcquireResponse  map[string]error
	ReleaseResponse  map[string]error
	Released         map[string]bool
	CheckResponse    error
	AcquireCallCount int
	ReleaseCallCount int
	tokens           int
}

func (m *MockClaims) Acquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.AcquireCallCount++

	if err, ok := m.AcquireResponse[key]; ok {
		return "", false, err
	}
	if _, ok := m.Claims[key]; ok {
		return "", false, nil
	}
	m.tokens++
	token := fmt.Sprintf("token-%d", m.tokens)
	m.Claims[key] = token
	return token, true, nil
}

// Release fails if ctx is done, like a remote store would.
func (m *MockClaims) Release(ctx context.Context, key string, token string) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ReleaseCallCount++

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err, ok := m.ReleaseResponse[key]; ok {
		return false, err
	}
	if m.Claims[key] != token {
		return false, nil
	}
	delete(m.Claims, key)
	m.Released[key] = true
	return true, nil
}

func (m *MockClaims) Check(_ context.Context) error {
	return m.CheckResponse
}
