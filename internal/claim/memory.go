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

package claim

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type memoryClaim struct {
	token     string
	expiresAt time.Time
}

// Memory is a Store for a single process. Expired claims are treated as absent.
type Memory struct {
	mu     sync.Mutex
	clock  clock.Clock
	claims map[string]memoryClaim
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:  clk,
		claims: map[string]memoryClaim{},
	}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if c, ok := m.claims[key]; ok && now.Before(c.expiresAt) {
		return "", false, nil
	}

	token := newToken()
	m.claims[key] = memoryClaim{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *Memory) Release(_ context.Context, key string, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[key]
	if !ok || c.token != token {
		return false, nil
	}
	delete(m.claims, key)
	return m.clock.Now().Before(c.expiresAt), nil
}

func (m *Memory) Check(_ context.Context) error {
	return nil
}
