package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"eventchat/server/chat/domain"
	commonlog "eventchat/server/common/log"
)

const (
	destinationUser   = "user:"
	destinationVendor = "vendor:"
	destinationTopic  = "topic:"

	reasonNoConnections = "no active connections"
	reasonSinksFull     = "all sinks full or closed"
	reasonInvalid       = "invalid destination"
)

func UserDestination(id string) string { return destinationUser + id }
func VendorDestination(id string) string { return destinationVendor + id }
func TopicDestination(name string) string { return destinationTopic + name }

func IdentityDestination(identity domain.Identity) string {
	if identity.Kind == domain.IdentityVendor {
		return VendorDestination(identity.ID)
	}
	return UserDestination(identity.ID)
}

type Broker interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handle func(payload []byte)) (func(), error)
}

type dispatchEnvelope struct {
	Destination string       `json:"destination"`
	Event       domain.Event `json:"event"`
}

// Dispatcher pushes events to connected sinks. Delivery is best effort; callers get
// a *DispatchError when nothing could take the event and decide whether to log it.
type Dispatcher struct {
	mu     sync.RWMutex
	sinks  map[string]map[string]*Sink
	broker Broker

	subMu       sync.Mutex
	unsubscribe func()
}

func NewDispatcher(broker Broker) *Dispatcher {
	return &Dispatcher{sinks: map[string]map[string]*Sink{}, broker: broker}
}

func (d *Dispatcher) attach(destination string, sink *Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sinks[destination] == nil {
		d.sinks[destination] = map[string]*Sink{}
	}
	d.sinks[destination][sink.ID()] = sink
}

func (d *Dispatcher) detach(destination string, sink *Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sinks, ok := d.sinks[destination]; ok {
		delete(sinks, sink.ID())
		if len(sinks) == 0 {
			delete(d.sinks, destination)
		}
	}
}

func (d *Dispatcher) Register(identity domain.Identity, sink *Sink) {
	d.attach(IdentityDestination(identity), sink)
}

func (d *Dispatcher) Unregister(identity domain.Identity, sink *Sink) {
	d.detach(IdentityDestination(identity), sink)
}

func (d *Dispatcher) Subscribe(topic string, sink *Sink) {
	d.attach(TopicDestination(topic), sink)
}

func (d *Dispatcher) Unsubscribe(topic string, sink *Sink) {
	d.detach(TopicDestination(topic), sink)
}

func (d *Dispatcher) Broadcast(ctx context.Context, topic string, event domain.Event) error {
	return d.SendTo(ctx, TopicDestination(topic), event)
}

func (d *Dispatcher) SendToUser(ctx context.Context, userID string, event domain.Event) error {
	return d.SendTo(ctx, UserDestination(userID), event)
}

func (d *Dispatcher) SendToVendor(ctx context.Context, vendorID string, event domain.Event) error {
	return d.SendTo(ctx, VendorDestination(vendorID), event)
}

func (d *Dispatcher) SendToIdentity(ctx context.Context, identity domain.Identity, event domain.Event) error {
	return d.SendTo(ctx, IdentityDestination(identity), event)
}

// SendTo routes event to destination. With a broker the event goes through it so
// every instance delivers to its own sinks; when publishing fails it is delivered
// locally instead.
func (d *Dispatcher) SendTo(ctx context.Context, destination string, event domain.Event) error {
	if !validDestination(destination) {
		return &DispatchError{Destination: destination, Reason: reasonInvalid}
	}
	if d.broker != nil {
		payload, err := json.Marshal(dispatchEnvelope{Destination: destination, Event: event})
		if err == nil {
			err = d.broker.Publish(ctx, payload)
		}
		if err == nil {
			commonlog.Debugf("event=chat_dispatch action=publish status=ok broker=%s destination=%s kind=%s", d.broker.Name(), destination, event.Kind)
			return nil
		}
		commonlog.Warnf("event=chat_dispatch action=publish status=failed broker=%s destination=%s kind=%s error=%v", d.broker.Name(), destination, event.Kind, err)
		delivered, derr := d.deliverLocal(destination, event)
		commonlog.Infof("event=chat_dispatch action=fallback_dispatch destination=%s kind=%s fanout_count=%d", destination, event.Kind, delivered)
		return derr
	}
	_, err := d.deliverLocal(destination, event)
	return err
}

func validDestination(destination string) bool {
	for _, prefix := range []string{destinationUser, destinationVendor, destinationTopic} {
		if strings.HasPrefix(destination, prefix) && strings.TrimSpace(destination[len(prefix):]) != "" {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliverLocal(destination string, event domain.Event) (int, error) {
	d.mu.RLock()
	targets := make([]*Sink, 0, len(d.sinks[destination]))
	for _, sink := range d.sinks[destination] {
		targets = append(targets, sink)
	}
	d.mu.RUnlock()

	if len(targets) == 0 {
		return 0, &DispatchError{Destination: destination, Reason: reasonNoConnections}
	}
	delivered := 0
	for _, sink := range targets {
		if sink.Offer(event) {
			delivered++
			continue
		}
		commonlog.Warnf("event=chat_dispatch action=drop destination=%s sink_id=%s kind=%s", destination, sink.ID(), event.Kind)
	}
	if delivered == 0 {
		return 0, &DispatchError{Destination: destination, Reason: reasonSinksFull}
	}
	return delivered, nil
}

func (d *Dispatcher) LocalConnections(destination string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sinks[destination])
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if d.broker == nil {
		return nil
	}
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := d.broker.Subscribe(ctx, d.consume)
	if err != nil {
		return err
	}
	d.unsubscribe = unsubscribe
	commonlog.Infof("event=chat_dispatch action=subscribe status=ok broker=%s", d.broker.Name())
	return nil
}

func (d *Dispatcher) Stop() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
}

func (d *Dispatcher) consume(payload []byte) {
	var envelope dispatchEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		commonlog.Warnf("event=chat_dispatch action=consume status=invalid error=%v", err)
		return
	}
	delivered, err := d.deliverLocal(envelope.Destination, envelope.Event)
	var dispatchErr *DispatchError
	if err != nil && errors.As(err, &dispatchErr) && dispatchErr.Reason == reasonNoConnections {
		return
	}
	commonlog.Debugf("event=chat_dispatch action=consume status=ok destination=%s kind=%s fanout_count=%d", envelope.Destination, envelope.Event.Kind, delivered)
}
