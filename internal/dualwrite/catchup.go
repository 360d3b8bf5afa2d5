package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tableshift/tableshift/internal/models"
)

// Start launches the background catch-up worker that replays queued target
// writes under EVENTUAL consistency. Safe to call for STRICT migrations; the
// queue simply stays empty.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("catch-up worker already running")
	}
	c.running = true
	c.paused = false

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Pause temporarily stops catch-up processing.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.paused {
		return
	}
	c.paused = true
	close(c.pauseCh)
	c.pauseCh = make(chan struct{})
}

// Resume continues catch-up after a pause.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || !c.paused {
		return
	}
	c.paused = false
	close(c.resumeCh)
	c.resumeCh = make(chan struct{})
}

// Stop permanently stops the catch-up worker and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	c.stopCh = make(chan struct{})
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		paused := c.paused
		pauseCh := c.pauseCh
		resumeCh := c.resumeCh
		stopCh := c.stopCh
		c.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-resumeCh:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-pauseCh:
			// Re-check the paused flag before taking more work.
			continue
		case op := <-c.queue:
			c.replay(ctx, op)
		}
	}
}

// replay retries one queued operation with the full backoff policy. Failures
// are persisted as failed catch-up entries so the final validation surfaces
// the divergent rows.
func (c *Coordinator) replay(ctx context.Context, op Operation) {
	if c.metrics != nil {
		c.metrics.CatchUpQueueDepth.Set(float64(len(c.queue)))
	}

	start := time.Now()
	err := c.mirror(ctx, op)
	if err != nil {
		c.logger.Error("catch-up replay failed",
			"migration_id", c.migrationID, "key", op.Key, "error", err)
		c.appendCatchUpEntry(ctx, op, models.LogStatusFailed, err.Error())
		return
	}

	entry := &models.MigrationLogEntry{
		MigrationID:     c.migrationID,
		Operation:       "dual_write_catchup",
		Status:          models.LogStatusSuccess,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
	if appendErr := c.store.AppendLog(ctx, entry); appendErr != nil {
		c.logger.Error("failed to append catch-up ledger entry", "key", op.Key, "error", appendErr)
	}
}

// Flush drains the catch-up queue before dual-write is disabled, bounded by
// the configured flush timeout. Operations still pending at the deadline are
// persisted as failed so the final COMPREHENSIVE validation finds them.
func (c *Coordinator) Flush(ctx context.Context) error {
	deadline := time.Now().Add(c.flushTimeout)
	flushCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var abandoned int
	for {
		select {
		case op := <-c.queue:
			if err := c.mirror(flushCtx, op); err != nil {
				if flushCtx.Err() != nil {
					c.appendCatchUpEntry(ctx, op, models.LogStatusFailed, "abandoned at flush deadline")
					abandoned++
					continue
				}
				c.appendCatchUpEntry(ctx, op, models.LogStatusFailed, err.Error())
				abandoned++
				continue
			}
			c.appendCatchUpEntry(ctx, op, models.LogStatusSuccess, "")
		default:
			if c.metrics != nil {
				c.metrics.CatchUpQueueDepth.Set(0)
			}
			if abandoned > 0 {
				c.logger.Warn("flush left unreplayed operations in the ledger",
					"migration_id", c.migrationID, "abandoned", abandoned)
				if c.alerts != nil {
					c.alerts.Emit(c.migrationID, models.SeverityMedium,
						fmt.Sprintf("catch-up flush abandoned %d operations", abandoned))
				}
			}
			return nil
		}
	}
}
