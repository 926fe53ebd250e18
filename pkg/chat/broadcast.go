package chat

import (
	"context"

	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/transport/protocol"
)

// Broadcast sends payload to every attached connection except exclude and
// returns how many sends succeeded. A failed send never stops the fan-out;
// the failing connection is closed so the transport reports its departure.
func (h *Hub) Broadcast(ctx context.Context, payload []byte, exclude domain.Connection) (int, error) {
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}

	var delivered int
	err := h.do(ctx, func() {
		delivered = h.fanOut(payload, excludeID)
	})
	return delivered, err
}

// BroadcastPresence sends the current presence list to every attached
// connection. The snapshot is taken in the same step as the fan-out so no
// connection can observe a stale list after a newer one.
func (h *Hub) BroadcastPresence(ctx context.Context) error {
	var encodeErr error
	err := h.do(ctx, func() {
		payload, err := protocol.EncodeUsers(h.registry.Usernames())
		if err != nil {
			encodeErr = err
			return
		}
		h.fanOut(payload, "")
	})
	if err != nil {
		return err
	}
	return encodeErr
}

// fanOut must run on the hub goroutine
func (h *Hub) fanOut(payload []byte, excludeID string) int {
	var successCount, errorCount int

	for id, conn := range h.clients {
		if id == excludeID {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
		err := conn.Send(ctx, payload)
		cancel()

		if err != nil {
			errorCount++
			h.sendFailures.Add(1)
			h.logger.Warn("failed to send to client",
				"client_id", id,
				"error", err,
			)
			go conn.Close()
			continue
		}

		successCount++
		h.messagesSent.Add(1)
	}

	h.logger.Debug("broadcast complete",
		"success_count", successCount,
		"error_count", errorCount,
	)

	return successCount
}
