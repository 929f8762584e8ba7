package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Client manages the connection to the device-side MQTT broker. Topic
// handling lives in Relay.
type Client struct {
	client paho.Client
	logger *zap.Logger
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// NewClient connects to the broker with auto-reconnect enabled.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("mqtt connection established", zap.String("broker", cfg.BrokerURL))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("[MQTT CONNECTION FAILED] cannot connect to device broker. Please check: 1) Broker is running, 2) MQTT_BROKER is correct, 3) Credentials are valid. Error: %w", token.Error())
	}

	return &Client{client: client, logger: logger}, nil
}

// Subscribe registers a handler for a topic pattern.
func (c *Client) Subscribe(topic string, handler paho.MessageHandler) error {
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	c.logger.Info("subscribed to topic", zap.String("topic", topic))
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("mqtt client disconnected")
}
