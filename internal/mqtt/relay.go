package mqtt

import (
	"context"
	"strings"

	"github.com/boxguard/parcel-detection-worker/internal/config"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// EventHandler receives decoded device events from the relay.
type EventHandler interface {
	HandlePhoto(ctx context.Context, deviceID string, body []byte) error
	HandleRelease(ctx context.Context, deviceID string, body []byte) error
	HandleSensor(ctx context.Context, deviceID string, body []byte) error
	HandlePickup(ctx context.Context, deviceID string, body []byte) error
}

// Relay subscribes to the holder-device topics and forwards each event to
// the handler. Topics follow the holder/<device_id>/<kind> convention.
type Relay struct {
	client  *Client
	cfg     config.MQTTConfig
	handler EventHandler
	logger  *zap.Logger

	ctx context.Context
}

// NewRelay creates a device relay bound to the given handler.
func NewRelay(client *Client, cfg config.MQTTConfig, handler EventHandler, logger *zap.Logger) *Relay {
	return &Relay{client: client, cfg: cfg, handler: handler, logger: logger}
}

// Start subscribes to all configured device topics. The context bounds the
// lifetime of handler invocations.
func (r *Relay) Start(ctx context.Context) error {
	r.ctx = ctx

	subs := []struct {
		topic string
		fn    func(context.Context, string, []byte) error
	}{
		{r.cfg.PhotoTopic, r.handler.HandlePhoto},
		{r.cfg.ReleaseTopic, r.handler.HandleRelease},
		{r.cfg.SensorTopic, r.handler.HandleSensor},
		{r.cfg.PickupTopic, r.handler.HandlePickup},
	}
	for _, sub := range subs {
		fn := sub.fn
		if err := r.client.Subscribe(sub.topic, func(_ paho.Client, msg paho.Message) {
			r.dispatch(msg, fn)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) dispatch(msg paho.Message, fn func(context.Context, string, []byte) error) {
	deviceID := deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		r.logger.Warn("dropping message with no device id in topic",
			zap.String("topic", msg.Topic()))
		return
	}
	if err := fn(r.ctx, deviceID, msg.Payload()); err != nil {
		r.logger.Error("device event handling failed",
			zap.String("topic", msg.Topic()),
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}

// deviceIDFromTopic extracts the device id segment from holder/<id>/<kind>.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
