package client

import (
	"context"
	"encoding/json"

	zlog "github.com/rs/zerolog/log"
)

// EventType tags a watch event. The first four values mirror the Kubernetes
// watch protocol; EventError is synthesized by the client when the stream
// itself fails terminally.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
	EventBookmark EventType = "BOOKMARK"
	EventError    EventType = "ERROR"
)

// WatchEvent is one incremental change to a watched resource or collection.
// Object is the affected resource as opaque JSON; for EventError it is the
// APIError that ended the stream. Consumers receive deltas, never list
// snapshots, and fold them into their own view of the collection.
type WatchEvent struct {
	Type   EventType       `json:"type"`
	Object json.RawMessage `json:"object"`
}

// WatchSubscription is a Subscription whose frames are decoded into typed
// watch events. Frames that do not parse are logged and dropped; the stream
// keeps running.
type WatchSubscription struct {
	sub    *Subscription
	events chan WatchEvent
}

// Events returns the typed event channel. It is closed when the subscription
// ends; a terminal stream failure is delivered as a final EventError first.
func (w *WatchSubscription) Events() <-chan WatchEvent { return w.events }

// Done is closed once the subscription is cancelled or fails for good.
func (w *WatchSubscription) Done() <-chan struct{} { return w.sub.Done() }

// Err reports why the subscription ended, nil after a deliberate Cancel.
func (w *WatchSubscription) Err() error { return w.sub.Err() }

// Cancel stops the watch. Idempotent, like Subscription.Cancel.
func (w *WatchSubscription) Cancel() { w.sub.Cancel() }

// StreamResults watches the collection at path and delivers typed events.
// The watch flag is added to the query and reconnection is on, so a dropped
// connection resumes without caller intervention.
func (c *Client) StreamResults(ctx context.Context, path string, q QueryParameters) (*WatchSubscription, error) {
	wq := q.clone()
	wq["watch"] = "1"

	sub, err := c.Stream(ctx, path, &StreamArgs{Reconnect: true}, wq)
	if err != nil {
		return nil, err
	}
	return newWatchSubscription(sub), nil
}

// StreamResult watches the single object called name under path. Events
// carry only that object, selected server-side by field selector.
func (c *Client) StreamResult(ctx context.Context, path, name string, q QueryParameters) (*WatchSubscription, error) {
	wq := q.clone()
	sel := "metadata.name=" + name
	if existing := wq["fieldSelector"]; existing != "" {
		sel = existing + "," + sel
	}
	wq["fieldSelector"] = sel
	return c.StreamResults(ctx, path, wq)
}

func newWatchSubscription(sub *Subscription) *WatchSubscription {
	w := &WatchSubscription{
		sub:    sub,
		events: make(chan WatchEvent, 16),
	}
	go w.pump()
	return w
}

// pump decodes raw frames into events. It is the only writer to w.events.
func (w *WatchSubscription) pump() {
	defer close(w.events)

	for data := range w.sub.Frames() {
		var ev WatchEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			zlog.Debug().Err(err).Int("bytes", len(data)).Msg("dropping malformed watch frame")
			continue
		}
		select {
		case w.events <- ev:
		case <-w.sub.Done():
			return
		}
	}

	if err := w.sub.Err(); err != nil {
		apiErr, ok := err.(*APIError)
		if !ok {
			apiErr = &APIError{Status: 0, Message: err.Error()}
		}
		obj, _ := json.Marshal(apiErr)
		select {
		case w.events <- WatchEvent{Type: EventError, Object: obj}:
		default:
		}
	}
}
