package engine

import "context"

// OutboundMessage is one rendered message handed to the delivery
// channel.
type OutboundMessage struct {
	To        string
	ToName    string
	Subject   string
	Body      string
	MessageID string
}

// Channel is the external delivery channel the dispatcher sends
// through. Implementations must respect ctx cancellation; the
// dispatcher bounds every send with a timeout.
type Channel interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// ChannelFunc adapts a plain function into a Channel.
type ChannelFunc func(ctx context.Context, msg OutboundMessage) error

func (f ChannelFunc) Send(ctx context.Context, msg OutboundMessage) error {
	return f(ctx, msg)
}
