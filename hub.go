package sealkv

import (
	"sync"

	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
)

const changeTopicPrefix = "sealkv.change."

// ChangeEvent announces a new raw envelope for a key. A nil NewValue means the
// key was removed. Origin identifies the publishing binding.
type ChangeEvent struct {
	Key      string
	NewValue *string
	Origin   string
}

// ChangeFeed is the change-notification channel bindings listen to and publish on.
type ChangeFeed interface {
	Publish(event ChangeEvent)
	Subscribe(key string, handler func(ChangeEvent)) (unsubscribe func())
}

// Hub is a ChangeFeed backed by an in-process pubsub hub, one topic per key.
// Handlers run on the hub's goroutines, in publish order per subscriber.
type Hub struct {
	hub *pubsub.SimpleHub
}

var (
	defaultHubOnce sync.Once
	defaultHub     *Hub
)

// NewHub creates an isolated hub.
func NewHub() *Hub {
	return &Hub{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("sealkv.hub"),
		}),
	}
}

// DefaultHub returns the process-wide hub used by bindings that do not set
// Options.Hub.
func DefaultHub() *Hub {
	defaultHubOnce.Do(func() {
		defaultHub = NewHub()
	})
	return defaultHub
}

func (h *Hub) Publish(event ChangeEvent) {
	h.hub.Publish(changeTopicPrefix+event.Key, event)
}

func (h *Hub) Subscribe(key string, handler func(ChangeEvent)) func() {
	return h.hub.Subscribe(changeTopicPrefix+key, func(topic string, data interface{}) {
		event, ok := data.(ChangeEvent)
		if !ok {
			logger.Warningf("unexpected payload %T on %s", data, topic)
			return
		}
		handler(event)
	})
}
