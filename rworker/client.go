package rworker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"sync"
	"sync/atomic"

	"github.com/bpowers/boxedr/interp"
)

// client multiplexes requests over one worker connection. The worker answers
// in order, but responses are matched by ID so that a caller that gave up on
// a slow request does not receive someone else's answer.
type client struct {
	w   io.Writer
	wmu sync.Mutex

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *Response
	err     error
	done    chan struct{}
}

func newClient(r io.Reader, w io.Writer) *client {
	c := &client{
		w:       w,
		pending: make(map[uint64]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *client) readLoop(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			var resp Response
			if jerr := json.Unmarshal(line, &resp); jerr != nil {
				c.fail(fmt.Errorf("decode response: %w", jerr))
				return
			}
			c.deliver(&resp)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.fail(err)
			return
		}
	}
}

func (c *client) deliver(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// fail marks the connection dead. Every pending and future call returns a
// *interp.FatalError wrapping err.
func (c *client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = &interp.FatalError{Message: "worker connection lost", Err: err}
	close(c.done)
}

// Err returns the connection failure, if any.
func (c *client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// call sends req and waits for its response. Worker-reported failures are
// translated into interp error types.
func (c *client) call(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req.ID = c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.fail(err)
		return nil, c.Err()
	}

	select {
	case resp := <-ch:
		return resp, resp.err()
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *client) send(req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write %s request: %w", req.Op, err)
	}
	return nil
}

func (r *Response) err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return &interp.RuntimeError{Message: "worker reported failure without detail", Output: r.Output}
	}
	switch r.Error.Kind {
	case KindParse:
		return &interp.ParseError{Message: r.Error.Message}
	case KindNoEnt:
		return fmt.Errorf("%s: %w", r.Error.Message, iofs.ErrNotExist)
	case KindFatal:
		return &interp.FatalError{Message: r.Error.Message}
	default:
		return &interp.RuntimeError{Message: r.Error.Message, Output: r.Output}
	}
}
