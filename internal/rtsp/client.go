package rtsp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrDuplicateSequence = errors.New("duplicate CSeq")

type client struct {
	sync.RWMutex
	wmu    sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	conn         net.Conn
	requestQueue *requestQueue
	sequence     atomic.Uint64

	interleavedFrameSubscribers map[string]func(channel uint8, payload []byte)

	err error
}

type requestQueue struct {
	mu    sync.Mutex
	items map[string]func(response *Response)
}

// Dial connects to an RTSP server.
func Dial(ctx context.Context, addr string) (Client, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewClient(nc), nil
}

// NewClient starts reading responses and interleaved frames from nc.
func NewClient(nc net.Conn) Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		ctx:                         ctx,
		cancel:                      cancel,
		conn:                        nc,
		requestQueue:                newRequestQueue(),
		interleavedFrameSubscribers: make(map[string]func(channel uint8, payload []byte)),
	}
	go c.readLoop()
	return c
}

func (c *client) Conn() net.Conn {
	return c.conn
}

// SendRequest writes request and waits for the response with the same CSeq.
// A CSeq is assigned when the request has none.
func (c *client) SendRequest(ctx context.Context, request *Request) (*Response, error) {
	if request.Sequence == "" {
		request.Sequence = strconv.FormatUint(c.sequence.Add(1), 10)
	}

	done := make(chan *Response, 1)
	err := c.requestQueue.Enqueue(request.Sequence, func(r *Response) {
		done <- r
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	c.wmu.Lock()
	err = request.Write(c.conn)
	c.wmu.Unlock()
	if err != nil {
		c.requestQueue.Dequeue(request.Sequence)
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		c.requestQueue.Dequeue(request.Sequence)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}
}

func (c *client) SubscribeInterleavedFrames(h func(channel uint8, payload []byte)) func() {
	c.Lock()
	defer c.Unlock()
	id := uuid.NewString()
	c.interleavedFrameSubscribers[id] = h
	return func() {
		c.Lock()
		defer c.Unlock()
		delete(c.interleavedFrameSubscribers, id)
	}
}

func (c *client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *client) Err() error {
	c.RLock()
	defer c.RUnlock()
	return c.err
}

func (c *client) Close() error {
	c.cancel()
	return c.conn.Close()
}

func (c *client) fail(err error) {
	c.Lock()
	if c.err == nil {
		c.err = err
	}
	c.Unlock()
	c.cancel()
	_ = c.conn.Close()
}

func (c *client) readLoop() {
	br := bufio.NewReaderSize(c.conn, readBufferSize)
	for {
		first, err := br.Peek(1)
		if err != nil {
			c.fail(err)
			return
		}

		if first[0] == interleavedMagic {
			header := make([]byte, 4)
			_, err = io.ReadFull(br, header)
			if err != nil {
				c.fail(fmt.Errorf("failed to read interleaved frame header: %w", err))
				return
			}
			channel := header[1]
			payload := make([]byte, binary.BigEndian.Uint16(header[2:]))
			_, err = io.ReadFull(br, payload)
			if err != nil {
				c.fail(fmt.Errorf("failed to read interleaved frame payload: %w", err))
				return
			}

			c.RLock()
			for _, handler := range c.interleavedFrameSubscribers {
				handler(channel, payload)
			}
			c.RUnlock()
			continue
		}

		response, err := readResponse(br)
		if err != nil {
			c.fail(fmt.Errorf("failed to read RTSP response: %w", err))
			return
		}
		hf, ok := c.requestQueue.Dequeue(response.Sequence)
		if !ok {
			// late response of a cancelled request
			continue
		}
		hf(response)
	}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		items: make(map[string]func(response *Response)),
	}
}

func (r *requestQueue) Enqueue(key string, h func(response *Response)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return ErrDuplicateSequence
	}
	r.items[key] = h
	return nil
}

func (r *requestQueue) Dequeue(key string) (func(response *Response), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.items[key]
	if ok {
		delete(r.items, key)
	}
	return h, ok
}
