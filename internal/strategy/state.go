package strategy

import (
	json "github.com/goccy/go-json"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/schema"
)

// State is the full state record of one running instance. It is replaced
// wholesale through the update protocol; handlers never mutate it in place.
type State struct {
	GroupID    string `json:"groupId"`
	StrategyID string `json:"strategyId"`

	Args Params `json:"args"`

	// ClientIDSeq feeds client id generation. Client ids stay unique for
	// the lifetime of the instance across every order it ever created.
	ClientIDSeq uint64 `json:"clientIdSeq"`

	// Orders holds the currently open atomic orders by client id.
	Orders map[string]*schema.AtomicOrder `json:"orders"`

	// AllOrders holds every atomic order the instance ever created, open
	// or closed, so late venue events can still be matched to their owner.
	AllOrders map[string]*schema.AtomicOrder `json:"allOrders"`

	// CancelledOrders holds orders the framework cancelled itself, keyed
	// by client id. A venue cancellation confirmation for one of these is
	// self-inflicted and must not reach the user-cancel handlers.
	CancelledOrders map[string]*schema.AtomicOrder `json:"cancelledOrders"`

	// Channels records declared market data subscriptions.
	Channels []schema.ChannelSubscription `json:"channels"`

	// OrdersBehind counts ticks whose slice order was still open when the
	// next tick fired. Non-zero switches scheduling to catch-up cadence.
	OrdersBehind int `json:"ordersBehind"`

	// Custom holds strategy-specific fields.
	Custom map[string]any `json:"custom,omitempty"`
}

// NewState builds an empty state for the given instance identity.
func NewState(groupID, strategyID string, args Params) *State {
	st := new(State)
	st.GroupID = groupID
	st.StrategyID = strategyID
	st.Args = args
	st.Orders = make(map[string]*schema.AtomicOrder)
	st.AllOrders = make(map[string]*schema.AtomicOrder)
	st.CancelledOrders = make(map[string]*schema.AtomicOrder)
	return st
}

// Clone returns a deep copy suited for copy-on-write updates: order maps and
// channel slices are copied, order records are cloned, Args and Custom are
// shallow-copied (their values are treated as immutable).
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := new(State)
	out.GroupID = s.GroupID
	out.StrategyID = s.StrategyID
	out.ClientIDSeq = s.ClientIDSeq
	out.OrdersBehind = s.OrdersBehind
	out.Args = s.Args.Clone()
	out.Orders = cloneOrders(s.Orders)
	out.AllOrders = cloneOrders(s.AllOrders)
	out.CancelledOrders = cloneOrders(s.CancelledOrders)
	if s.Channels != nil {
		out.Channels = make([]schema.ChannelSubscription, 0, len(s.Channels))
		for _, ch := range s.Channels {
			out.Channels = append(out.Channels, ch.Clone())
		}
	}
	if s.Custom != nil {
		out.Custom = make(map[string]any, len(s.Custom))
		for k, v := range s.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

func cloneOrders(in map[string]*schema.AtomicOrder) map[string]*schema.AtomicOrder {
	out := make(map[string]*schema.AtomicOrder, len(in))
	for id, order := range in {
		out[id] = order.Clone()
	}
	return out
}

// DefaultSerialize is the serialization fallback for definitions without a
// Serialize hook: the whole state as JSON.
func DefaultSerialize(st *State) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, errs.New("strategy.DefaultSerialize", errs.CodeInvalid, errs.WithCause(err))
	}
	return data, nil
}

// DefaultUnserialize is the counterpart of DefaultSerialize.
func DefaultUnserialize(data []byte) (*State, error) {
	st := new(State)
	if err := json.Unmarshal(data, st); err != nil {
		return nil, errs.New("strategy.DefaultUnserialize", errs.CodeInvalid, errs.WithCause(err))
	}
	if st.Orders == nil {
		st.Orders = make(map[string]*schema.AtomicOrder)
	}
	if st.AllOrders == nil {
		st.AllOrders = make(map[string]*schema.AtomicOrder)
	}
	if st.CancelledOrders == nil {
		st.CancelledOrders = make(map[string]*schema.AtomicOrder)
	}
	return st, nil
}

// Serialize runs the definition's hook or the default.
func (d *Definition) SerializeState(st *State) ([]byte, error) {
	if d.Meta.Serialize != nil {
		return d.Meta.Serialize(st)
	}
	return DefaultSerialize(st)
}

// UnserializeState runs the definition's hook or the default.
func (d *Definition) UnserializeState(data []byte) (*State, error) {
	if d.Meta.Unserialize != nil {
		return d.Meta.Unserialize(data)
	}
	return DefaultUnserialize(data)
}
