package ecmg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Handler receives ECM responses as they arrive; it may be invoked from
// the client's own background read goroutine rather than the caller's.
type Handler func(ECMResponse)

// Client is a SimulCrypt ECMG session: one TCP connection carrying
// channel/stream setup followed by a stream of CW_provision/ECM_response
// exchanges. A background goroutine reads responses off the connection
// and dispatches each to whichever crypto-period is waiting for it.
type Client struct {
	log  *slog.Logger
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint16]chan ecmOrErr // cp_number -> waiter, for synchronous generateECM
	handler Handler                   // fallback for asynchronous submitECM

	channelStatus ChannelStatus
	streamStatus  StreamStatus

	closeOnce sync.Once
	done      chan struct{}
}

type ecmOrErr struct {
	resp ECMResponse
	err  error
}

// Dial connects to an ECMG at addr and performs channel/stream bring-up:
// channel_setup/channel_status followed by stream_setup/stream_status.
func Dial(ctx context.Context, addr string, channelID uint16, superCASID uint32, streamID, ecmID uint16, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ecmg: dial %s: %w", addr, err)
	}

	c := &Client{
		log:     log.With("component", "ecmg-client", "addr", addr),
		conn:    conn,
		pending: make(map[uint16]chan ecmOrErr),
		done:    make(chan struct{}),
	}

	if err := c.channelSetup(channelID, superCASID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.streamSetup(streamID, ecmID); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// SetHandler registers the asynchronous ECM callback used by submitECM.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// ChannelStatus returns the session's negotiated channel parameters.
func (c *Client) ChannelStatus() ChannelStatus { return c.channelStatus }

func (c *Client) channelSetup(channelID uint16, superCASID uint32) error {
	if err := c.write(ChannelSetup{ChannelID: channelID, SuperCASID: superCASID}.toMessage()); err != nil {
		return err
	}
	msg, err := ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("ecmg: channel_status: %w", err)
	}
	if msg.Type != MsgChannelStatus {
		return fmt.Errorf("ecmg: expected channel_status, got type 0x%04X", msg.Type)
	}
	c.channelStatus = channelStatusFromMessage(msg)
	return nil
}

func (c *Client) streamSetup(streamID, ecmID uint16) error {
	if err := c.write(StreamSetup{ChannelID: c.channelStatus.ChannelID, StreamID: streamID, ECMID: ecmID}.toMessage()); err != nil {
		return err
	}
	msg, err := ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("ecmg: stream_status: %w", err)
	}
	if msg.Type != MsgStreamStatus {
		return fmt.Errorf("ecmg: expected stream_status, got type 0x%04X", msg.Type)
	}
	c.streamStatus = streamStatusFromMessage(msg)
	return nil
}

func (c *Client) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, msg)
}

// GenerateECM issues a blocking CW_provision request and waits for its
// matching ECM_response.
func (c *Client) GenerateECM(ctx context.Context, req CWProvision) (ECMResponse, error) {
	waiter := make(chan ecmOrErr, 1)
	c.mu.Lock()
	c.pending[req.CPNumber] = waiter
	c.mu.Unlock()

	req.ChannelID = c.channelStatus.ChannelID
	req.StreamID = c.streamStatus.StreamID
	if err := c.write(req.toMessage()); err != nil {
		c.mu.Lock()
		delete(c.pending, req.CPNumber)
		c.mu.Unlock()
		return ECMResponse{}, fmt.Errorf("ecmg: CW_provision: %w", err)
	}

	select {
	case result := <-waiter:
		return result.resp, result.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.CPNumber)
		c.mu.Unlock()
		return ECMResponse{}, ctx.Err()
	case <-c.done:
		return ECMResponse{}, errors.New("ecmg: connection closed")
	}
}

// SubmitECM issues a non-blocking CW_provision; the matching response, if
// any, is delivered later to the registered Handler, possibly from a
// different goroutine.
func (c *Client) SubmitECM(req CWProvision) error {
	req.ChannelID = c.channelStatus.ChannelID
	req.StreamID = c.streamStatus.StreamID
	return c.write(req.toMessage())
}

func (c *Client) readLoop() {
	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			c.log.Warn("ecmg connection lost", "error", err)
			c.dispatchError(err)
			close(c.done)
			return
		}
		switch msg.Type {
		case MsgECMResponse:
			resp := ecmResponseFromMessage(msg)
			c.dispatch(resp)
		case MsgChannelError, MsgStreamError:
			status, _ := msg.GetUint16(TagErrorStatus)
			c.log.Error("ecmg reported an error", "status", status)
		default:
			c.log.Warn("unexpected ecmg message", "type", msg.Type)
		}
	}
}

func (c *Client) dispatch(resp ECMResponse) {
	c.mu.Lock()
	waiter, ok := c.pending[resp.CPNumber]
	if ok {
		delete(c.pending, resp.CPNumber)
	}
	handler := c.handler
	c.mu.Unlock()

	if ok {
		waiter <- ecmOrErr{resp: resp}
		return
	}
	if handler != nil {
		handler(resp)
	}
}

func (c *Client) dispatchError(err error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[uint16]chan ecmOrErr)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- ecmOrErr{err: err}
	}
}

// Close terminates the ECMG session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
