package sts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/media-service/dubbing-worker/internal/model"
	"github.com/media-service/dubbing-worker/internal/wderr"
)

// OnFragmentProcessed is invoked for every fragment:processed event.
type OnFragmentProcessed func(FragmentProcessed)

// OnBackpressure is invoked for every backpressure event.
type OnBackpressure func(Backpressure)

// OnError is invoked for every error event (code, message, retryable).
type OnError func(code, message string, retryable bool)

// Config configures a Client's connection and reconnect behavior.
type Config struct {
	URL               string
	WorkerID          string
	InitTimeout       time.Duration
	ReconnectAttempts int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	SampleRateHz      int // outgoing fragment audio format, default 48000
	Channels          int // default 2
}

// Client is a WebSocket session with the STS service, generalizing the
// teacher's lokutor.go (lazy-dial-under-mutex, single read-message loop)
// to the full named-event protocol described in original_source's
// sts/socketio_client.py.
type Client struct {
	cfg Config

	mu          sync.Mutex
	conn        *websocket.Conn
	streamID    string
	streamReady bool
	sequence    int64
	readDone    chan struct{}
	closeOnce   sync.Once

	onStreamReady    func(StreamReady)
	onStreamReadyErr func(code, message string)

	OnFragmentProcessed OnFragmentProcessed
	OnBackpressure      OnBackpressure
	OnError             OnError
}

// New constructs a disconnected Client. Call Connect before use.
func New(cfg Config) *Client {
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectInitial == 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	return &Client{cfg: cfg}
}

// Connect dials the STS service, retrying with exponential backoff
// (initial 1s, doubling, capped at 30s, ±10% jitter) up to
// ReconnectAttempts times, then starts the read-message loop.
func (c *Client) Connect(ctx context.Context) error {
	delay := c.cfg.ReconnectInitial
	var lastErr error
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			jittered := jitter(delay)
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > c.cfg.ReconnectMax {
				delay = c.cfg.ReconnectMax
			}
		}
		conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
		if err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.streamReady = false
		c.sequence = 0
		c.readDone = make(chan struct{})
		c.closeOnce = sync.Once{}
		done := c.readDone
		c.mu.Unlock()
		go c.readLoop(done)
		return nil
	}
	return wderr.New(wderr.STSTransient, "sts.connect", lastErr)
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.1
	delta := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(delta)
}

// InitStream sends stream:init and waits for stream:ready or timeout.
func (c *Client) InitStream(ctx context.Context, streamID string, cfg StreamInitConfig) (StreamReady, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return StreamReady{}, wderr.ErrNotConnected
	}

	readyCh := make(chan StreamReady, 1)
	errCh := make(chan error, 1)
	c.mu.Lock()
	prevReady, prevErr := c.onStreamReady, c.onStreamReadyErr
	c.onStreamReady = func(r StreamReady) {
		select {
		case readyCh <- r:
		default:
		}
	}
	c.onStreamReadyErr = func(code, msg string) {
		select {
		case errCh <- wderr.New(wderr.STSFatal, "sts.init_stream", fmt.Errorf("%s: %s", code, msg)):
		default:
		}
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.onStreamReady, c.onStreamReadyErr = prevReady, prevErr
		c.mu.Unlock()
	}()

	payload := streamInitPayload{StreamID: streamID, WorkerID: c.cfg.WorkerID, Config: cfg}
	if err := c.send(ctx, eventStreamInit, payload); err != nil {
		return StreamReady{}, err
	}

	timeout, cancel := context.WithTimeout(ctx, c.cfg.InitTimeout)
	defer cancel()
	select {
	case r := <-readyCh:
		c.mu.Lock()
		c.streamID = streamID
		c.streamReady = true
		c.sequence = 0
		c.mu.Unlock()
		return r, nil
	case err := <-errCh:
		return StreamReady{}, err
	case <-timeout.Done():
		return StreamReady{}, wderr.New(wderr.STSTransient, "sts.init_stream", wderr.ErrTimedOut)
	}
}

// SendFragment emits fragment:data with a monotonically increasing,
// 0-based sequence number reset at each InitStream call. payload is the
// segment's encoded audio bytes (read from seg.FilePath by the caller).
func (c *Client) SendFragment(ctx context.Context, seg model.AudioSegment, payload []byte) (string, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return "", wderr.ErrNotConnected
	}
	if !c.streamReady {
		c.mu.Unlock()
		return "", wderr.ErrStreamNotReady
	}
	seq := c.sequence
	c.sequence++
	streamID := c.streamID
	c.mu.Unlock()

	data := fragmentDataPayload{
		FragmentID:     seg.FragmentID,
		StreamID:       streamID,
		SequenceNumber: seq,
		TimestampMs:    seg.StartPTS / int64(time.Millisecond),
		Audio: fragmentAudio{
			Format:       "wav",
			SampleRateHz: c.cfg.SampleRateHz,
			Channels:     c.cfg.Channels,
			DurationMs:   seg.Duration / int64(time.Millisecond),
			DataBase64:   base64.StdEncoding.EncodeToString(payload),
		},
		Metadata: fragmentMetadata{PTSNanos: seg.StartPTS},
	}
	if err := c.send(ctx, eventFragmentData, data); err != nil {
		return "", err
	}
	return seg.FragmentID, nil
}

// AckFragment emits the best-effort worker->STS courtesy fragment:ack. Send
// failures are intentionally swallowed: this event carries no protocol
// guarantee and must never block or fail the pipeline.
func (c *Client) AckFragment(ctx context.Context, fragmentID string, status FragmentAckStatus) {
	_ = c.send(ctx, eventFragmentAck, fragmentAckOutPayload{FragmentID: fragmentID, Status: string(status)})
}

// EndStream emits stream:end and clears the stream-ready flag.
func (c *Client) EndStream(ctx context.Context) error {
	c.mu.Lock()
	streamID := c.streamID
	c.mu.Unlock()
	err := c.send(ctx, eventStreamEnd, streamEndPayload{StreamID: streamID})
	c.mu.Lock()
	c.streamReady = false
	c.mu.Unlock()
	return err
}

// Disconnect closes the connection and stops the read loop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.streamReady = false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		err = conn.Close(websocket.StatusNormalClosure, "disconnect")
	})
	return err
}

func (c *Client) send(ctx context.Context, event string, data interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return wderr.ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return wderr.New(wderr.STSFatal, "sts.send", err)
	}
	env := envelope{Event: event, Data: raw}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return wderr.New(wderr.STSTransient, "sts.send", err)
	}
	return nil
}

func (c *Client) readLoop(done chan struct{}) {
	ctx := context.Background()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			select {
			case <-done:
			default:
				close(done)
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	switch env.Event {
	case eventStreamReady:
		var r StreamReady
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return
		}
		c.mu.Lock()
		cb := c.onStreamReady
		c.mu.Unlock()
		if cb != nil {
			cb(r)
		}
	case eventFragmentProcessed:
		var p FragmentProcessed
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if c.OnFragmentProcessed != nil {
			c.OnFragmentProcessed(p)
		}
	case eventBackpressure:
		var b Backpressure
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return
		}
		if c.OnBackpressure != nil {
			c.OnBackpressure(b)
		}
	case eventError:
		var e ProtocolError
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		c.mu.Lock()
		onErr := c.onStreamReadyErr
		c.mu.Unlock()
		if onErr != nil {
			onErr(e.Code, e.Message)
		}
		if c.OnError != nil {
			c.OnError(e.Code, e.Message, e.Retryable)
		}
	}
}
