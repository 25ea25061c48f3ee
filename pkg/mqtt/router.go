package mqtt

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
)

// ErrClosed is passed to callbacks when the router is closed.
var ErrClosed = errors.New("router closed")

// DefaultTimeout is used when no timeout is configured.
const DefaultTimeout = 5 * time.Second

type callback struct {
	id uint64
	fn func(*packet.Message, error)
}

// Router provides a multiplexed MQTT client with topic based callbacks.
type Router struct {
	client    *client.Client
	qos       packet.QOS
	timeout   time.Duration
	retain    bool
	counter   uint64
	callbacks map[string][]callback
	mutex     sync.Mutex
}

// Connect creates a new Router connected to the given MQTT broker URL using
// the provided client ID and QOS level. Published messages are retained if
// requested.
func Connect(url, cid string, qos packet.QOS, retain bool, timeout time.Duration) (*Router, error) {
	// check qos
	if !qos.Successful() {
		return nil, fmt.Errorf("invalid qos: %d", qos)
	}

	// check timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// create client
	c := client.New()

	// connect to the broker
	cf, err := c.Connect(client.NewConfigWithClientID(url, cid))
	if err != nil {
		return nil, err
	}
	err = cf.Wait(timeout)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	// create router
	r := &Router{
		client:    c,
		qos:       qos,
		timeout:   timeout,
		retain:    retain,
		callbacks: make(map[string][]callback),
	}

	// set handler
	c.Callback = r.dispatch

	return r, nil
}

func (r *Router) dispatch(msg *packet.Message, err error) error {
	// acquire mutex
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// forward errors
	if err != nil {
		for _, cbs := range r.callbacks {
			for _, cb := range cbs {
				cb.fn(nil, err)
			}
		}
		return err
	}

	// call callbacks
	for _, cb := range r.callbacks[msg.Topic] {
		cb.fn(msg, nil)
	}

	return nil
}

// Subscribe subscribes to the given topic and registers the provided callback
// function. It returns a handle that can be used to unsubscribe later.
func (r *Router) Subscribe(topic string, fn func(*packet.Message, error)) (uint64, error) {
	// acquire mutex
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// subscribe topic if first subscriber
	if len(r.callbacks[topic]) == 0 {
		sf, err := r.client.Subscribe(topic, r.qos)
		if err != nil {
			return 0, err
		}
		err = sf.Wait(r.timeout)
		if err != nil {
			return 0, err
		}
	}

	// register callback
	r.counter++
	r.callbacks[topic] = append(r.callbacks[topic], callback{
		id: r.counter,
		fn: fn,
	})

	return r.counter, nil
}

// Publish publishes the given payload to the specified topic and waits until
// the broker acknowledged it.
func (r *Router) Publish(topic string, payload []byte) error {
	// publish message
	pf, err := r.client.Publish(topic, payload, r.qos, r.retain)
	if err != nil {
		return err
	}

	return pf.Wait(r.timeout)
}

// Unsubscribe removes the callback with the given handle from the topic and
// unsubscribes from the topic if there are no more subscribers.
func (r *Router) Unsubscribe(topic string, id uint64) error {
	// acquire mutex
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// check existence
	callbacks := r.callbacks[topic]
	if len(callbacks) == 0 {
		return nil
	}

	// remove callback
	callbacks = slices.DeleteFunc(callbacks, func(cb callback) bool {
		return cb.id == id
	})
	if len(callbacks) > 0 {
		r.callbacks[topic] = callbacks
		return nil
	}
	delete(r.callbacks, topic)

	// unsubscribe topic
	uf, err := r.client.Unsubscribe(topic)
	if err != nil {
		return err
	}

	return uf.Wait(r.timeout)
}

// Close cancels all callbacks and disconnects the underlying client.
func (r *Router) Close() error {
	// acquire mutex
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// cancel callbacks
	for topic, cbs := range r.callbacks {
		for _, cb := range cbs {
			go cb.fn(nil, ErrClosed)
		}
		delete(r.callbacks, topic)
	}

	return r.client.Disconnect()
}
