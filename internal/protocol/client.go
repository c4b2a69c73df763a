package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Client is the set of tracked-variable primitives the cache and
// mutation layers consume. Implementations must resolve every call
// eventually; this package imposes no per-call timeout of its own.
type Client interface {
	// Create registers a tracked variable for expression under the
	// caller-chosen backend name.
	Create(ctx context.Context, name, expression string, ec EvalContext) (Record, error)

	// Update fetches the change-list for one tracked variable, or for
	// all of them when name is "*".
	Update(ctx context.Context, name string) ([]Delta, error)

	// ListChildren lists the child descriptors of a compound variable.
	ListChildren(ctx context.Context, name string) ([]Child, error)

	// Delete drops a tracked variable on the backend.
	Delete(ctx context.Context, name string) error

	// Assign writes a value literal and returns the confirmed value.
	Assign(ctx context.Context, name, literal string) (string, error)

	// RawCommand sends a raw console command and returns its output.
	RawCommand(ctx context.Context, command string) (string, error)
}

// request is the wire form of a protocol request.
type request struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Conn is a Client over a Transport. The backend conversation is
// strictly sequential, so Conn holds callers to one request in flight;
// concurrent callers block until the outstanding exchange completes.
type Conn struct {
	transport Transport
	id        string
	logger    *zap.Logger

	seq int64

	// reqMu serializes send-and-wait exchanges.
	reqMu sync.Mutex

	// reply receives the body of the response matching the outstanding
	// request. Written only by the receive loop.
	reply atomic.Pointer[replySlot]

	done      chan struct{}
	closeOnce sync.Once

	errMu sync.RWMutex
	err   error
}

// replySlot matches one outstanding request to its response.
type replySlot struct {
	seq int
	ch  chan gjson.Result
}

// NewConn creates a connection over the given transport and starts its
// receive loop. A nil logger disables logging.
func NewConn(transport Transport, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Conn{
		transport: transport,
		id:        uuid.NewString(),
		logger:    logger.Named("protocol"),
		done:      make(chan struct{}),
	}

	go c.receiveLoop()
	return c
}

// ID returns the connection's session identifier.
func (c *Conn) ID() string {
	return c.id
}

// Close closes the connection and underlying transport.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.transport.Close()
}

// Err returns the receive error that terminated the connection, if any.
func (c *Conn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// receiveLoop reads frames until the transport fails or Close is called.
func (c *Conn) receiveLoop() {
	for {
		doc, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()

			c.logger.Error("receive failed, connection lost", zap.Error(err))
			c.closeOnce.Do(func() {
				close(c.done)
			})
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		c.dispatch(doc)
	}
}

// dispatch routes one received frame to the outstanding request.
func (c *Conn) dispatch(doc json.RawMessage) {
	parsed := gjson.ParseBytes(doc)
	if parsed.Get("type").String() != "response" {
		// Asynchronous backend notifications are not part of the
		// tracked-variable conversation.
		c.logger.Debug("ignoring non-response frame",
			zap.String("type", parsed.Get("type").String()))
		return
	}

	slot := c.reply.Load()
	if slot == nil || slot.seq != int(parsed.Get("request_seq").Int()) {
		c.logger.Warn("response without matching request",
			zap.Int64("request_seq", parsed.Get("request_seq").Int()))
		return
	}

	slot.ch <- parsed
}

// roundTrip performs one sequential request/response exchange.
func (c *Conn) roundTrip(ctx context.Context, command string, args any) (gjson.Result, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return gjson.Result{}, fmt.Errorf("%s: %w", command, ErrConnectionLost)
	default:
	}

	seq := int(atomic.AddInt64(&c.seq, 1))

	var argsJSON json.RawMessage
	if args != nil {
		var err error
		argsJSON, err = json.Marshal(args)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("marshal %s arguments: %w", command, err)
		}
	}

	doc, err := json.Marshal(request{
		Seq:       seq,
		Type:      "request",
		Command:   command,
		Arguments: argsJSON,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal %s request: %w", command, err)
	}

	slot := &replySlot{seq: seq, ch: make(chan gjson.Result, 1)}
	c.reply.Store(slot)
	defer c.reply.Store(nil)

	if err := c.transport.Send(doc); err != nil {
		return gjson.Result{}, fmt.Errorf("send %s: %w: %w", command, ErrConnectionLost, err)
	}

	select {
	case <-ctx.Done():
		return gjson.Result{}, ctx.Err()
	case <-c.done:
		if recvErr := c.Err(); recvErr != nil {
			return gjson.Result{}, fmt.Errorf("%s: %w: %w", command, ErrConnectionLost, recvErr)
		}
		return gjson.Result{}, fmt.Errorf("%s: %w", command, ErrConnectionLost)
	case resp := <-slot.ch:
		if !resp.Get("success").Bool() {
			return gjson.Result{}, responseError(command, resp)
		}
		return resp.Get("body"), nil
	}
}

// responseError maps a failed response onto the error taxonomy.
func responseError(command string, resp gjson.Result) error {
	code := resp.Get("code").String()
	message := resp.Get("message").String()

	if code == "not_found" {
		return &NotFoundError{Name: resp.Get("name").String()}
	}

	return &CommandError{Command: command, Code: code, Message: message}
}

// createArguments is the wire form of create arguments.
type createArguments struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Global     bool   `json:"global,omitempty"`
	ThreadID   int    `json:"thread,omitempty"`
	FrameLevel int    `json:"frame,omitempty"`
}

// nameArguments is the wire form of name-only arguments.
type nameArguments struct {
	Name string `json:"name"`
}

// assignArguments is the wire form of assign arguments.
type assignArguments struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// rawArguments is the wire form of raw command arguments.
type rawArguments struct {
	Command string `json:"command"`
}

// Create registers a tracked variable on the backend.
func (c *Conn) Create(ctx context.Context, name, expression string, ec EvalContext) (Record, error) {
	body, err := c.roundTrip(ctx, "create", createArguments{
		Name:       name,
		Expression: expression,
		Global:     ec.Global,
		ThreadID:   ec.ThreadID,
		FrameLevel: ec.FrameLevel,
	})
	if err != nil {
		return Record{}, err
	}

	rec := decodeRecord(body)
	if rec.Name == "" {
		rec.Name = name
	}
	return rec, nil
}

// Update fetches the change-list for name, or for all tracked variables
// when name is "*".
func (c *Conn) Update(ctx context.Context, name string) ([]Delta, error) {
	body, err := c.roundTrip(ctx, "update", nameArguments{Name: name})
	if err != nil {
		return nil, err
	}

	var deltas []Delta
	body.Get("changes").ForEach(func(_, entry gjson.Result) bool {
		deltas = append(deltas, decodeDelta(entry))
		return true
	})

	return deltas, nil
}

// ListChildren lists the children of a compound tracked variable.
func (c *Conn) ListChildren(ctx context.Context, name string) ([]Child, error) {
	body, err := c.roundTrip(ctx, "children", nameArguments{Name: name})
	if err != nil {
		return nil, err
	}

	var children []Child
	body.Get("children").ForEach(func(_, entry gjson.Result) bool {
		children = append(children, decodeChild(entry))
		return true
	})

	return children, nil
}

// Delete drops a tracked variable on the backend.
func (c *Conn) Delete(ctx context.Context, name string) error {
	_, err := c.roundTrip(ctx, "delete", nameArguments{Name: name})
	return err
}

// Assign writes a value literal and returns the confirmed value.
func (c *Conn) Assign(ctx context.Context, name, literal string) (string, error) {
	body, err := c.roundTrip(ctx, "assign", assignArguments{Name: name, Value: literal})
	if err != nil {
		return "", err
	}
	return body.Get("value").String(), nil
}

// RawCommand sends a raw console command and returns its output.
func (c *Conn) RawCommand(ctx context.Context, command string) (string, error) {
	body, err := c.roundTrip(ctx, "raw", rawArguments{Command: command})
	if err != nil {
		return "", err
	}
	return body.Get("output").String(), nil
}
