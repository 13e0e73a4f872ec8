package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gen2brain/beeep"
)

// RegisterNotificationTools registers the user notification tools.
func (r *Registry) RegisterNotificationTools() {
	r.logger.Info().Msg("Registering notification tools in registry")
	specs := NotificationSpecs()

	r.Register(specByName(specs, "notify_user"), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		var payload struct {
			Title   string `json:"title"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		if payload.Message == "" {
			return nil, fmt.Errorf("message cannot be empty")
		}
		if payload.Title == "" {
			payload.Title = "Agent Notification"
		}

		// beeep uses the modern UserNotifications framework on macOS
		notifErr := beeep.Notify(payload.Title, payload.Message, "")
		if notifErr != nil {
			// Common causes: notification permissions not granted, or
			// notification center disabled. The tool still reports the
			// attempt rather than failing the turn.
			r.logger.Warn().Err(notifErr).Msg("Failed to send desktop notification")
		} else {
			r.logger.Info().Str("agent_id", agentID).Str("title", payload.Title).Msg("Desktop notification sent")
		}

		return map[string]any{
			"title":   payload.Title,
			"message": payload.Message,
			"sent":    notifErr == nil,
		}, nil
	})
}
