package presence

import "errors"

// CloseReason says why a connection left the Registry.
type CloseReason string

const (
	ReasonClosed      CloseReason = "closed"
	ReasonTimeout     CloseReason = "timeout"
	ReasonSendFailure CloseReason = "send_failure"
	ReasonShutdown    CloseReason = "shutdown"
)

// Broadcaster is the view of the Dispatcher that extensions may call back into.
type Broadcaster interface {
	// Broadcast sends payload to targets, or to every live connection when
	// none are given. Returns the number of successful sends.
	Broadcast(payload any, targets ...*Connection) (int, error)
	// Send delivers payload to a single connection.
	Send(c *Connection, payload any) error
	// Lookup returns a live connection by id.
	Lookup(id int64) (*Connection, bool)
	// Connections returns a snapshot of live connections.
	Connections() []*Connection
	// Count returns the number of live connections.
	Count() int
}

// Extension receives lifecycle and message callbacks from the Dispatcher.
// Callbacks run on the goroutine that produced the event; a callback for one
// connection never observes reordered messages from that connection.
type Extension interface {
	Connected(b Broadcaster, s Session)
	Disconnected(b Broadcaster, s Session, reason CloseReason)
	Message(b Broadcaster, s Session, msg Message)
}

// Starter is implemented by extensions that run once when the relay starts.
type Starter interface {
	Start(b Broadcaster) error
}

// NopExtension ignores every callback.
type NopExtension struct{}

func (NopExtension) Connected(Broadcaster, Session)                 {}
func (NopExtension) Disconnected(Broadcaster, Session, CloseReason) {}
func (NopExtension) Message(Broadcaster, Session, Message)          {}

// Extensions fans each callback out to its members in order.
type Extensions []Extension

func (e Extensions) Connected(b Broadcaster, s Session) {
	for _, ext := range e {
		ext.Connected(b, s)
	}
}

func (e Extensions) Disconnected(b Broadcaster, s Session, reason CloseReason) {
	for _, ext := range e {
		ext.Disconnected(b, s, reason)
	}
}

func (e Extensions) Message(b Broadcaster, s Session, msg Message) {
	for _, ext := range e {
		ext.Message(b, s, msg)
	}
}

// Start runs every member that implements Starter and joins their errors.
func (e Extensions) Start(b Broadcaster) error {
	var errs []error
	for _, ext := range e {
		if s, ok := ext.(Starter); ok {
			if err := s.Start(b); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
