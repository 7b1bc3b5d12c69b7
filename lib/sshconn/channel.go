package sshconn

import "github.com/gravitational/trace"

// channelState is a table entry's lifecycle. The invariant that an entry
// transitions Pending → Ready exactly once is enforced by
// ClientConnection.deliverChannelUpdate, not by this type itself.
type channelState struct {
	pending     bool
	readySend   chan<- *string // non-nil only while pending, sent-to-once then the table entry is dropped or promoted
	updatesSend chan<- ChannelUpdateKind
}

// PendingChannel is returned by ClientConnection.OpenChannel. Exactly one
// of its WaitReady outcomes will eventually fire.
type PendingChannel struct {
	ready   <-chan *string // nil value => opened; non-nil => open failed with that message; channel closed with no value read => sender dropped
	channel *Channel
}

// WaitReady blocks until the channel opens or fails to open. A successful
// open returns (channel, nil); an open failure returns (nil, message); a
// dropped sender (the driver exited without ever resolving this channel)
// returns (nil, nil).
func (p *PendingChannel) WaitReady() (*Channel, *string) {
	msg, ok := <-p.ready
	if !ok {
		return nil, nil
	}
	if msg != nil {
		return nil, msg
	}
	return p.channel, nil
}

// Channel is an open, ready-to-use logical channel.
type Channel struct {
	number      ChannelNumber
	updatesRecv <-chan ChannelUpdateKind
	opsSend     chan<- ChannelOperation
}

// Number returns the channel number the protocol state machine assigned.
func (c *Channel) Number() ChannelNumber { return c.number }

// SendOperation enqueues op, tagged with this channel's number, onto the
// shared channel-operations mailbox the driver's main loop drains. The
// mailbox is bounded: when full, this blocks rather than drops the
// operation.
func (c *Channel) SendOperation(op ChannelOperationKind) error {
	c.opsSend <- ChannelOperation{Number: c.number, Kind: op}
	return nil
}

// NextUpdate yields the next update addressed to this channel, or a
// terminal error once the channel has been closed (its sender dropped,
// meaning the driver removed it from the table or exited).
func (c *Channel) NextUpdate() (ChannelUpdateKind, error) {
	u, ok := <-c.updatesRecv
	if !ok {
		return nil, trace.ConnectionProblem(nil, "channel has been closed")
	}
	return u, nil
}
