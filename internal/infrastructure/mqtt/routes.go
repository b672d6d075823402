package mqtt

import (
	"errors"
	"slices"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// route is a registered subscription, replayed after every reconnect.
type route struct {
	filter  string
	qos     byte
	handler MessageHandler
}

var errNilHandler = errors.New("nil handler")

// Subscribe registers handler for messages matching filter, which may use
// the + and # wildcards.
//
// When the broker is unreachable the route is still recorded and returns
// nil: it is installed as soon as the session comes up. A broker that
// refuses the subscription removes the route again.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := validateTopicFilter(filter); err != nil {
		return opError("subscribe", filter, ErrInvalidTopic, err)
	}
	if qos > maxQoS {
		return opError("subscribe", filter, ErrInvalidQoS, nil)
	}
	if handler == nil {
		return opError("subscribe", filter, ErrSubscribeFailed, errNilHandler)
	}

	c.mu.Lock()
	c.routes[filter] = route{filter: filter, qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.IsConnected() {
		c.warn("mqtt subscription deferred until broker is reachable", "filter", filter)
		return nil
	}

	if err := await(c.paho.Subscribe(filter, qos, c.dispatch(handler)), defaultPublishTimeout); err != nil {
		c.mu.Lock()
		delete(c.routes, filter)
		c.mu.Unlock()
		return opError("subscribe", filter, ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe forgets the route for filter and, if connected, tells the
// broker.
func (c *Client) Unsubscribe(filter string) error {
	c.mu.Lock()
	_, known := c.routes[filter]
	delete(c.routes, filter)
	c.mu.Unlock()

	if !known {
		return nil
	}
	if !c.IsConnected() {
		return opError("unsubscribe", filter, ErrNotConnected, nil)
	}
	if err := await(c.paho.Unsubscribe(filter), defaultPublishTimeout); err != nil {
		return opError("unsubscribe", filter, ErrSubscribeFailed, err)
	}
	return nil
}

// Routes returns the registered topic filters in sorted order.
func (c *Client) Routes() []string {
	c.mu.RLock()
	filters := make([]string, 0, len(c.routes))
	for f := range c.routes {
		filters = append(filters, f)
	}
	c.mu.RUnlock()
	slices.Sort(filters)
	return filters
}

func (c *Client) snapshotRoutes() []route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]route, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	return out
}

// dispatch adapts a MessageHandler to paho, containing panics so a bad
// command payload cannot take the paho router goroutine down.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if l := c.logger(); l != nil {
					l.Error("mqtt handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.warn("mqtt handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}

// validateTopicName checks a topic used for publishing.
func validateTopicName(topic string) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	if strings.ContainsAny(topic, "+#") {
		return errors.New("wildcards are not allowed when publishing")
	}
	if strings.ContainsRune(topic, 0) {
		return errors.New("topic contains NUL")
	}
	return nil
}

// validateTopicFilter checks a subscription filter: + must fill a whole
// level and # must be the last level.
func validateTopicFilter(filter string) error {
	if filter == "" {
		return errors.New("empty filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return errors.New("# must be the last level")
		case level != "#" && strings.Contains(level, "#"):
			return errors.New("# must occupy a whole level")
		case level != "+" && strings.Contains(level, "+"):
			return errors.New("+ must occupy a whole level")
		}
	}
	return nil
}
