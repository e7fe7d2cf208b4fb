// Package homeassistant feeds plug data sources from a Home Assistant
// WebSocket session.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	eventRequestID = 1
	bulkRequestID  = 2

	reconnectWait = 10 * time.Second
)

// errAuthInvalid ends the session permanently: looping on bad credentials
// would only hammer the HA instance.
var errAuthInvalid = errors.New("home assistant authentication failed")

// EntitySource consumes state documents routed by the controller.
type EntitySource interface {
	ParseBulkUpdate(message map[string]any)
	ParseIncrementalUpdate(message map[string]any)
}

// Controller owns one long-lived WebSocket session to Home Assistant and
// fans state updates out to its registered sources. On auth_ok it
// subscribes to state_changed events (id 1) and requests a full state
// dump (id 2); the fixed ids make re-subscription after a reconnect
// automatic.
type Controller struct {
	url       string
	authToken string
	logger    *logrus.Logger
	sources   []EntitySource
}

func NewController(rawURL, authToken string, logger *logrus.Logger) *Controller {
	return &Controller{
		url:       websocketURL(rawURL),
		authToken: authToken,
		logger:    logger,
	}
}

// websocketURL accepts either a ws(s):// endpoint or the plain http(s)
// base of an HA instance, in which case the standard websocket path is
// appended.
func websocketURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		return raw
	default:
		return raw
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/websocket"
	}
	return u.String()
}

// Register attaches a source to this controller's dispatch list.
func (c *Controller) Register(s EntitySource) {
	c.sources = append(c.sources, s)
}

// Run keeps the session alive until the context is cancelled. Transport
// failures back off and reconnect; an auth rejection is terminal for the
// whole run, since no amount of retrying fixes a bad token.
func (c *Controller) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errAuthInvalid):
			c.logger.Errorf("Home Assistant authentication failed, not reconnecting: check auth_token")
			return err
		case err != nil:
			c.logger.Errorf("Lost connection to websocket server (%v)", err)
		}

		c.logger.Infof("Reconnecting to %s in %s", c.url, reconnectWait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectWait):
		}
	}
}

// message covers every inbound frame shape the controller handles.
type message struct {
	ID     int              `json:"id"`
	Type   string           `json:"type"`
	Event  *eventPayload    `json:"event"`
	Result []map[string]any `json:"result"`
}

type eventPayload struct {
	Data map[string]any `json:"data"`
}

func (c *Controller) session(ctx context.Context) error {
	c.logger.Infof("Starting websocket client to URL: %s", c.url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	// Unblock the reader when the process is shutting down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.logger.Debugf("Received message: %s", data)

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debugf("Did not receive valid JSON message, ignoring")
			continue
		}

		if err := c.handle(conn, &msg); err != nil {
			return err
		}
	}
}

func (c *Controller) handle(conn *websocket.Conn, msg *message) error {
	switch {
	case msg.Type == "auth_required":
		c.logger.Info("Authentication requested")
		return conn.WriteJSON(map[string]string{
			"type":         "auth",
			"access_token": c.authToken,
		})

	case msg.Type == "auth_invalid":
		return errAuthInvalid

	case msg.Type == "auth_ok":
		c.logger.Info("Authentication successful")
		if err := conn.WriteJSON(map[string]any{
			"id":         eventRequestID,
			"type":       "subscribe_events",
			"event_type": "state_changed",
		}); err != nil {
			return err
		}
		c.logger.Info("Event update request sent")
		if err := conn.WriteJSON(map[string]any{
			"id":   bulkRequestID,
			"type": "get_states",
		}); err != nil {
			return err
		}
		c.logger.Info("All states request sent")
		return nil

	case msg.ID == eventRequestID:
		if msg.Event == nil || len(msg.Event.Data) == 0 {
			return nil
		}
		for _, ds := range c.sources {
			ds.ParseIncrementalUpdate(msg.Event.Data)
		}
		return nil

	case msg.ID == bulkRequestID:
		if msg.Result == nil {
			return nil
		}
		c.logger.Info("Bulk update received")
		for _, status := range msg.Result {
			for _, ds := range c.sources {
				ds.ParseBulkUpdate(status)
			}
		}
		return nil

	default:
		c.logger.Debugf("Unknown/unhandled message received: type=%s id=%d", msg.Type, msg.ID)
		return nil
	}
}
