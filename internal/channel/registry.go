package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// AdapterFuncs is the structural shape a registered adapter must supply.
// Unlike a plain Go interface, Registry validates membership at
// registration time so a caller assembling an adapter from loosely-typed
// configuration gets one structured error naming every missing piece,
// rather than a compile error or a nil-pointer panic deep in the send
// path.
type AdapterFuncs struct {
	Platform    string
	Start       func(ctx context.Context) error
	Stop        func(ctx context.Context) error
	SendMessage func(ctx context.Context, channelID, text string) error
	OnMessage   func(handler func(channelID, senderID, text string))
	SendTyping  func(ctx context.Context, channelID string) error // optional
}

// funcAdapter adapts a validated AdapterFuncs to the Adapter interface.
type funcAdapter struct{ f AdapterFuncs }

func (a funcAdapter) Platform() string                                       { return a.f.Platform }
func (a funcAdapter) Start(ctx context.Context) error                        { return a.f.Start(ctx) }
func (a funcAdapter) Stop(ctx context.Context) error                         { return a.f.Stop(ctx) }
func (a funcAdapter) SendMessage(ctx context.Context, channelID, text string) error {
	return a.f.SendMessage(ctx, channelID, text)
}
func (a funcAdapter) OnMessage(handler func(channelID, senderID, text string)) {
	a.f.OnMessage(handler)
}
func (a funcAdapter) SendTyping(ctx context.Context, channelID string) error {
	if a.f.SendTyping == nil {
		return nil
	}
	return a.f.SendTyping(ctx, channelID)
}

// Registry holds one named lifecycle per registered adapter.
type Registry struct {
	lifecycles map[string]*Lifecycle
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{lifecycles: make(map[string]*Lifecycle)}
}

// Register validates funcs and, if complete, wraps it in a Lifecycle under
// name. Missing required members are reported together in one error.
func (r *Registry) Register(name string, funcs AdapterFuncs, opts Options) error {
	var missing []string
	if funcs.Platform == "" {
		missing = append(missing, "Platform")
	}
	if funcs.Start == nil {
		missing = append(missing, "Start")
	}
	if funcs.Stop == nil {
		missing = append(missing, "Stop")
	}
	if funcs.SendMessage == nil {
		missing = append(missing, "SendMessage")
	}
	if funcs.OnMessage == nil {
		missing = append(missing, "OnMessage")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("channel adapter %q missing required members: %s", name, strings.Join(missing, ", "))
	}

	r.lifecycles[name] = NewLifecycle(funcAdapter{f: funcs}, opts)
	return nil
}

// Get returns the named lifecycle, or nil if unregistered.
func (r *Registry) Get(name string) *Lifecycle { return r.lifecycles[name] }

// All returns every registered lifecycle, keyed by name.
func (r *Registry) All() map[string]*Lifecycle { return r.lifecycles }
