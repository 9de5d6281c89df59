// Package providertest provides an in-memory provider.Adapter for tests.
package providertest

import (
	"context"
	"sync"

	"groupcast/internal/provider"
)

type Adapter struct {
	mu    sync.Mutex
	conns []*Conn

	// ConnectErr, when set, fails every Connect call.
	ConnectErr error
	// OnConnect, when set, is invoked with each new connection so the test
	// can script its event stream.
	OnConnect func(credDir string, c *Conn)
}

func (a *Adapter) Connect(_ context.Context, credDir string) (provider.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	c := NewConn()
	c.CredDir = credDir
	a.conns = append(a.conns, c)
	if a.OnConnect != nil {
		a.OnConnect(credDir, c)
	}
	return c, nil
}

// Last returns the most recently dialed connection, or nil.
func (a *Adapter) Last() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func (a *Adapter) ConnCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

type Conn struct {
	CredDir string

	// JoinErr and SendErr, when set, decide the outcome per identifier.
	JoinErr func(identifier string) error
	SendErr func(targetID string) error
	Groups  []provider.Group

	mu        sync.Mutex
	events    chan provider.Event
	closed    bool
	joined    []string
	sent      []string
	loggedOut bool
}

func NewConn() *Conn {
	return &Conn{events: make(chan provider.Event, 16)}
}

func (c *Conn) Events() <-chan provider.Event { return c.events }

// Emit scripts one event into the stream.
func (c *Conn) Emit(ev provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *Conn) EmitChallenge(payload string) {
	c.Emit(provider.Event{Kind: provider.EventChallenge, Challenge: payload})
}

func (c *Conn) EmitReady() { c.Emit(provider.Event{Kind: provider.EventReady}) }

// Close emits a Closed event with the given reason, then ends the stream.
func (c *Conn) Close(reason provider.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- provider.Event{Kind: provider.EventClosed, Reason: reason}
	c.closed = true
	close(c.events)
}

func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *Conn) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	c.Disconnect()
	return nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Conn) JoinGroup(_ context.Context, identifier string) error {
	c.mu.Lock()
	c.joined = append(c.joined, identifier)
	fn := c.JoinErr
	c.mu.Unlock()
	if fn != nil {
		return fn(identifier)
	}
	return nil
}

func (c *Conn) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...)
}

func (c *Conn) FetchGroups(context.Context) ([]provider.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Group(nil), c.Groups...), nil
}

func (c *Conn) SendMessage(_ context.Context, targetID string, _ provider.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, targetID)
	fn := c.SendErr
	c.mu.Unlock()
	if fn != nil {
		return fn(targetID)
	}
	return nil
}

func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}
