// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package orchestrator

import (
	"sync"

	"github.com/agentfuzz/agentfuzz/pkg/log"
)

// checkpointer writes encoded snapshots in the background.
// At most one write is in flight, a newer snapshot replaces a pending one.
type checkpointer struct {
	write   func([]byte) error
	mu      sync.Mutex
	pending []byte
	running bool
	wg      sync.WaitGroup
}

func newCheckpointer(write func([]byte) error) *checkpointer {
	return &checkpointer{write: write}
}

func (c *checkpointer) submit(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = data
	if c.running {
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.loop()
}

func (c *checkpointer) loop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		data := c.pending
		c.pending = nil
		if data == nil {
			c.running = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.write(data); err != nil {
			log.Errorf("checkpoint failed: %v", err)
		}
	}
}

// flush waits for background writes and writes data synchronously.
func (c *checkpointer) flush(data []byte) error {
	c.wg.Wait()
	return c.write(data)
}
