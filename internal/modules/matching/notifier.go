// README: Assignment push notifications over Firebase Cloud Messaging.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"firebase.google.com/go/v4/messaging"

	"dispatch/internal/modules/agent"
	"dispatch/internal/modules/order"
)

type NoopNotifier struct{}

func (NoopNotifier) NotifyAssigned(context.Context, *agent.Agent, *order.Order) error {
	return nil
}

// FCMNotifier sends a data message to the agent's registered device.
type FCMNotifier struct {
	client *messaging.Client
	logger *slog.Logger
}

func NewFCMNotifier(client *messaging.Client, logger *slog.Logger) *FCMNotifier {
	return &FCMNotifier{client: client, logger: logger.With("component", "fcm_notifier")}
}

func (n *FCMNotifier) NotifyAssigned(ctx context.Context, a *agent.Agent, o *order.Order) error {
	if a.DeviceToken == "" {
		n.logger.Debug("agent has no device token, skipping push", "agent_id", a.ID, "order_id", o.ID)
		return nil
	}

	messageID, err := n.client.Send(ctx, assignmentMessage(a.DeviceToken, o))
	if err != nil {
		return fmt.Errorf("send FCM to agent %s: %w", a.ID, err)
	}
	n.logger.Info("assignment push sent", "order_id", o.ID, "agent_id", a.ID, "message_id", messageID)
	return nil
}

func assignmentMessage(token string, o *order.Order) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":         "order_assigned",
			"order_id":     string(o.ID),
			"version":      strconv.FormatInt(o.Version, 10),
			"pickup_lat":   strconv.FormatFloat(o.Pickup.Lat, 'f', 6, 64),
			"pickup_lng":   strconv.FormatFloat(o.Pickup.Lng, 'f', 6, 64),
			"dropoff_lat":  strconv.FormatFloat(o.Dropoff.Lat, 'f', 6, 64),
			"dropoff_lng":  strconv.FormatFloat(o.Dropoff.Lng, 'f', 6, 64),
			"delivery_fee": strconv.FormatInt(o.DeliveryFee.Amount, 10),
			"currency":     o.DeliveryFee.Currency,
		},
		Notification: &messaging.Notification{
			Title: "New delivery assigned",
			Body:  fmt.Sprintf("Pickup nearby, delivery fee %s", o.DeliveryFee),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
}
