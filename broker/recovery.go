// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
)

// recoverLocked replays the durable store into the queues and moves the id
// generator past every recovered id. Must be called with mu held.
func (b *Broker) recoverLocked(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	records, err := b.store.ReplayFrom(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to recover durable messages: %w", err)
	}

	var maxID uint64
	for _, rec := range records {
		msg := rec.Message
		if msg == nil || msg.Destination == "" {
			b.logger.Warn("skipping unroutable durable record", slog.Uint64("offset", rec.Offset))
			continue
		}

		q, ok := b.queues[msg.Destination]
		if !ok {
			qc := QueueConfig{
				Name:                msg.Destination,
				MaxDeliveryAttempts: b.cfg.MaxDeliveryAttempts,
				DeadLetterAddress:   b.cfg.DeadLetterAddress,
			}
			b.declared[qc.Name] = qc
			q = b.newQueue(qc)
			b.queues[qc.Name] = q
		}
		q.Restore(msg, rec.Offset)
		if msg.ID > maxID {
			maxID = msg.ID
		}
		b.stats.recovered.Add(1)
	}

	if maxID > b.ids.Load() {
		b.ids.Store(maxID)
	}
	return nil
}
