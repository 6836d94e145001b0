package host

import (
	"context"
	"sync"
	"time"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// ackRouter matches venue subscription acknowledgments to the calls waiting
// for them, keyed by (channel, filter) identity.
type ackRouter struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func (a *ackRouter) init() {
	a.waiters = make(map[string][]chan struct{})
}

func (a *ackRouter) await(key string) chan struct{} {
	ch := make(chan struct{})
	a.mu.Lock()
	a.waiters[key] = append(a.waiters[key], ch)
	a.mu.Unlock()
	return ch
}

func (a *ackRouter) resolve(key string) {
	a.mu.Lock()
	waiters := a.waiters[key]
	delete(a.waiters, key)
	a.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (a *ackRouter) abandon(key string, ch chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	waiters := a.waiters[key]
	for i, cur := range waiters {
		if cur == ch {
			a.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(a.waiters[key]) == 0 {
		delete(a.waiters, key)
	}
}

// assignChannel records the subscription on state. Declaration is write-only;
// no adapter traffic happens until the instance is activated.
func (h *Host) assignChannel(ctx context.Context, inst *Instance, channel schema.Channel, filter schema.ChannelFilter) error {
	if err := channelValid(channel); err != nil {
		return err
	}
	key := schema.SubscriptionKey(channel, filter)
	return h.WithUpdate(ctx, inst.groupID, func(in *Instance) (*strategy.State, error) {
		st := in.State().Clone()
		for _, sub := range st.Channels {
			if sub.Key() == key {
				return nil, nil
			}
		}
		st.Channels = append(st.Channels, schema.ChannelSubscription{
			Channel:  channel,
			Filter:   filter,
			Assigned: true,
		})
		return st, nil
	})
}

// activateSubscriptions issues the subscribe command for every assigned
// channel and awaits each acknowledgment. A missing ack fails with a
// SubscriptionTimeout instead of hanging the instance forever.
func (h *Host) activateSubscriptions(ctx context.Context, inst *Instance) error {
	for _, sub := range inst.State().Channels {
		if sub.Subscribed || !sub.Assigned {
			continue
		}
		if err := h.subscribeAwait(ctx, inst, sub.Channel, sub.Filter); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) subscribeAwait(ctx context.Context, inst *Instance, channel schema.Channel, filter schema.ChannelFilter) error {
	key := schema.SubscriptionKey(channel, filter)
	ack := h.ackRouter.await(key)

	if err := h.adapter.Subscribe(ctx, channel, filter); err != nil {
		h.ackRouter.abandon(key, ack)
		return err
	}

	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()
	select {
	case <-ack:
	case <-ctx.Done():
		h.ackRouter.abandon(key, ack)
		return ctx.Err()
	case <-timer.C:
		h.ackRouter.abandon(key, ack)
		return &errs.SubscriptionTimeout{Channel: key, Timeout: h.ackTimeout}
	}

	return h.WithUpdate(ctx, inst.groupID, func(in *Instance) (*strategy.State, error) {
		st := in.State().Clone()
		for idx := range st.Channels {
			if st.Channels[idx].Key() == key {
				st.Channels[idx].Subscribed = true
			}
		}
		return st, nil
	})
}

// unsubscribeAll releases every channel the instance declared, exactly once
// per (channel, filter) identity.
func (h *Host) unsubscribeAll(ctx context.Context, inst *Instance) {
	seen := make(map[string]struct{})
	for _, sub := range inst.State().Channels {
		key := sub.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if !sub.Subscribed {
			continue
		}
		if err := h.adapter.Unsubscribe(ctx, sub.Channel, sub.Filter); err != nil {
			observability.Log().Error("unsubscribe failed",
				observability.F("groupId", inst.groupID),
				observability.F("subscription", key),
				observability.F("error", err.Error()))
		}
	}
}

func channelValid(channel schema.Channel) error {
	switch channel {
	case schema.ChannelTrades, schema.ChannelBook, schema.ChannelCandles, schema.ChannelTicker:
		return nil
	default:
		return errs.New("host.assignChannel", errs.CodeInvalid,
			errs.WithMessage("unknown channel "+string(channel)))
	}
}
