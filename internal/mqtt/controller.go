// Package mqtt feeds plug data sources from topics on an MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	clientID          = "senselink"
	connectRetryWait  = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds allowed for in-flight messages on shutdown
)

// Handler consumes one UTF-8 payload from a subscribed topic.
type Handler func(payload string)

// Listener binds a topic to the callbacks interested in it.
type Listener struct {
	Topic    string
	Handlers []Handler
}

// TopicSource exposes the topic subscriptions a data source needs.
type TopicSource interface {
	Listeners() []Listener
}

// Controller owns one broker session shared by every MQTT source. At
// connect time it merges the sources' listeners by topic, subscribes to
// each distinct topic at QoS 0, and dispatches inbound payloads to every
// callback registered for that exact topic. Reconnects re-subscribe from
// the same merged map.
type Controller struct {
	host     string
	port     int
	username string
	password string
	logger   *logrus.Logger

	sources []TopicSource
	topics  map[string]*Listener
}

func NewController(host string, port int, username, password string, logger *logrus.Logger) *Controller {
	return &Controller{
		host:     host,
		port:     port,
		username: username,
		password: password,
		logger:   logger,
		topics:   make(map[string]*Listener),
	}
}

// Register attaches a source to this controller.
func (c *Controller) Register(s TopicSource) {
	c.sources = append(c.sources, s)
}

// mergeListeners folds every source's listeners into one topic-keyed map,
// concatenating callback lists for duplicate topics.
func (c *Controller) mergeListeners() {
	for _, ds := range c.sources {
		for _, listener := range ds.Listeners() {
			if existing, ok := c.topics[listener.Topic]; ok {
				c.logger.Debugf("Adding handlers for existing listener: %s", listener.Topic)
				existing.Handlers = append(existing.Handlers, listener.Handlers...)
			} else {
				c.logger.Debugf("Creating new listener for topic: %s", listener.Topic)
				c.topics[listener.Topic] = &Listener{Topic: listener.Topic, Handlers: listener.Handlers}
			}
		}
	}
}

// Run connects to the broker and serves subscriptions until the context
// is cancelled. Connection loss is handled by the client's retry loop;
// subscriptions are re-established by the on-connect hook.
func (c *Controller) Run(ctx context.Context) error {
	c.mergeListeners()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.host, c.port))
	opts.SetClientID(clientID)
	if c.username != "" {
		opts.SetUsername(c.username)
	}
	if c.password != "" {
		opts.SetPassword(c.password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(connectRetryWait)
	opts.SetKeepAlive(60 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Errorf("Disconnected from MQTT broker with error: %v", err)
	})
	opts.SetOnConnectHandler(c.onConnect)

	client := mqtt.NewClient(opts)

	c.logger.Infof("Starting MQTT client to %s:%d", c.host, c.port)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	if client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
		c.logger.Info("Disconnected from MQTT broker")
	}
	return nil
}

func (c *Controller) onConnect(client mqtt.Client) {
	c.logger.Infof("MQTT client connected, subscribing to %d topic(s)", len(c.topics))

	for topic, listener := range c.topics {
		l := listener
		token := client.Subscribe(topic, 0, func(client mqtt.Client, msg mqtt.Message) {
			payload := string(msg.Payload())
			for _, handler := range l.Handlers {
				handler(payload)
			}
		})
		if token.Wait() && token.Error() != nil {
			c.logger.Errorf("Failed to subscribe to topic %s: %v", topic, token.Error())
		} else {
			c.logger.Infof("Subscribed to topic: %s", topic)
		}
	}
}
