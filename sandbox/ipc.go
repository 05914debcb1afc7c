package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/meridian-run/meridian/errs"
)

// frameType is the IPC message-type discriminator of §4.5: "command"
// is request/response and correlated by correlationId; "progress", "log",
// and "subjob" are fire-and-forget notifications the host forwards without
// blocking the in-flight command.
type frameType string

const (
	frameCommand  frameType = "command"
	frameResponse frameType = "response"
	frameProgress frameType = "progress"
	frameLog      frameType = "log"
	frameSubjob   frameType = "subjob"
)

// frame is one newline-delimited signed JSON line exchanged with a Gear's
// child process. Signature covers the whole json-marshaled frame (type,
// correlationId and body) with Signature itself left empty.
type frame struct {
	Type          frameType       `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Body          json.RawMessage `json:"body,omitempty"`
	Signature     string          `json:"signature"`
}

type pendingCall struct {
	ch chan callResult
}

type callResult struct {
	body json.RawMessage
	err  error
}

// Notification is a progress/log/subjob frame forwarded to the caller
// outside the request/response correlation, per §4.5.
type Notification struct {
	Type          frameType
	CorrelationID string
	Body          json.RawMessage
}

// CommandHandler services a "command" frame a Gear child process initiates
// on its own, rather than one that answers a host-initiated call —
// correlated by the nested requestId carried in the frame's body, not the
// frame's own correlationId. A nil handler answers every child-initiated
// command with an error.
type CommandHandler func(ctx context.Context, requestID string, payload json.RawMessage) (json.RawMessage, error)

// commandBody is the nested envelope a "command" frame carries in Body.
type commandBody struct {
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// commandResult is what the host writes back in the "response" frame
// answering a child-initiated command.
type commandResult struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// channel is the signed newline-delimited JSON transport to one Gear child
// process: a pending-correlation map plus a reader goroutine dispatch the
// incoming frames, keyed by a string correlationId rather than a numeric
// RPC id, one JSON object per line rather than length-prefixed bodies.
type channel struct {
	stdin  io.WriteCloser
	signer Signer

	pendingMu sync.Mutex
	pending   map[string]pendingCall

	notify  func(Notification)
	command CommandHandler

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	closeErr  error
}

func newChannel(stdin io.WriteCloser, stdout io.Reader, signer Signer, notify func(Notification), command CommandHandler) *channel {
	c := &channel{
		stdin:   stdin,
		signer:  signer,
		pending: make(map[string]pendingCall),
		notify:  notify,
		command: command,
		closed:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// call sends a command frame and blocks for its correlated response, ctx
// cancellation, or channel closure, whichever comes first.
func (c *channel) call(ctx context.Context, correlationID string, body json.RawMessage) (json.RawMessage, error) {
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[correlationID] = pendingCall{ch: ch}
	c.pendingMu.Unlock()

	if err := c.write(frameCommand, correlationID, body); err != nil {
		c.removePending(correlationID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.body, res.err
	case <-ctx.Done():
		c.removePending(correlationID)
		return nil, errs.Wrap(errs.Cancelled, ctx.Err(), "sandbox call cancelled")
	case <-c.closed:
		return nil, c.closeError()
	}
}

func (c *channel) write(typ frameType, correlationID string, body json.RawMessage) error {
	f := frame{Type: typ, CorrelationID: correlationID, Body: body}
	signable, err := json.Marshal(f)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal frame")
	}
	f.Signature = c.signer.Sign(signable)
	data, err := json.Marshal(f)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal signed frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return errs.Wrap(errs.Internal, err, "write frame")
	}
	return nil
}

func (c *channel) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		unsigned := f
		unsigned.Signature = ""
		signable, _ := json.Marshal(unsigned)
		if !c.signer.Verify(signable, f.Signature) {
			c.failPending(errs.New(errs.Integrity, "sandbox frame signature verification failed"))
			return
		}
		switch f.Type {
		case frameResponse:
			c.deliver(f.CorrelationID, f.Body, nil)
		case frameProgress, frameLog, frameSubjob:
			if c.notify != nil {
				c.notify(Notification{Type: f.Type, CorrelationID: f.CorrelationID, Body: f.Body})
			}
		case frameCommand:
			go c.handleCommand(f)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.failPending(errs.Wrap(errs.Internal, err, "sandbox channel closed"))
}

// handleCommand answers a child-initiated "command" frame, correlated by
// the nested requestId in its body rather than the frame's own
// correlationId, which is only echoed back on the wire so the response
// frame travels over the same transport-level pairing every other frame
// uses.
func (c *channel) handleCommand(f frame) {
	var body commandBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return
	}
	result := commandResult{RequestID: body.RequestID}
	if c.command == nil {
		result.Error = "sandbox host has no command handler configured"
	} else if res, err := c.command(context.Background(), body.RequestID, body.Payload); err != nil {
		result.Error = err.Error()
	} else {
		result.Result = res
	}
	respBody, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = c.write(frameResponse, f.CorrelationID, respBody)
}

func (c *channel) deliver(correlationID string, body json.RawMessage, err error) {
	c.pendingMu.Lock()
	p, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.pendingMu.Unlock()
	if ok {
		p.ch <- callResult{body: body, err: err}
		close(p.ch)
	}
}

func (c *channel) failPending(err error) {
	c.pendingMu.Lock()
	for id, p := range c.pending {
		delete(c.pending, id)
		p.ch <- callResult{err: err}
		close(p.ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	c.close()
}

func (c *channel) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *channel) setCloseError(err error) {
	c.errMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.errMu.Unlock()
}

func (c *channel) closeError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.closeErr == nil {
		return errors.New("sandbox channel closed")
	}
	return c.closeErr
}

func (c *channel) close() {
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()
		close(c.closed)
	})
}

func marshalBody(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return data, nil
}
