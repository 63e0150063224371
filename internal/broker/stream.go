package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

const (
	streamPingInterval      = 20 * time.Second
	streamPingTimeout       = 5 * time.Second
	streamWriteTimeout      = 5 * time.Second
	streamMaxReconnectDelay = 20 * time.Second
	streamReadLimit         = 2 * 1024 * 1024
)

// streamRequest is a control message sent to the quote stream.
type streamRequest struct {
	Op     string  `json:"op"`
	ConIDs []int64 `json:"con_ids"`
}

// quoteMessage is one quote update. Missing prices are null on the wire.
type quoteMessage struct {
	ConID   int64     `json:"con_id"`
	Time    time.Time `json:"time"`
	Bid     *float64  `json:"bid"`
	Ask     *float64  `json:"ask"`
	Last    *float64  `json:"last"`
	Close   *float64  `json:"close"`
	BidSize int       `json:"bid_size"`
	AskSize int       `json:"ask_size"`
	BidIV   *float64  `json:"bid_iv"`
	AskIV   *float64  `json:"ask_iv"`
	Error   string    `json:"error,omitempty"`
}

func valueOrNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func (m quoteMessage) quote() models.Quote {
	return models.Quote{
		Time:    m.Time,
		Bid:     valueOrNaN(m.Bid),
		Ask:     valueOrNaN(m.Ask),
		Last:    valueOrNaN(m.Last),
		Close:   valueOrNaN(m.Close),
		BidSize: m.BidSize,
		AskSize: m.AskSize,
		BidIV:   valueOrNaN(m.BidIV),
		AskIV:   valueOrNaN(m.AskIV),
	}
}

type quoteHandler func(conID int64, q models.Quote)

// quoteStream keeps a websocket to the gateway's quote feed open, replaying
// subscriptions after every reconnect.
type quoteStream struct {
	url     string
	handler quoteHandler
	logger  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	conn   *websocket.Conn
	connMu sync.RWMutex

	subsMu        sync.Mutex
	subscriptions map[int64]struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

func newQuoteStream(url string, handler quoteHandler, logger logrus.FieldLogger) *quoteStream {
	return &quoteStream{
		url:           url,
		handler:       handler,
		logger:        logger,
		subscriptions: make(map[int64]struct{}),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// start dials in the background and returns once the first connection is up.
func (s *quoteStream) start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer close(s.done)
		if err := s.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("Quote stream stopped")
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		s.stop()
		return fmt.Errorf("waiting for quote stream: %w", ctx.Err())
	}
}

func (s *quoteStream) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	<-s.done
}

func (s *quoteStream) subscribe(ctx context.Context, conID int64) error {
	s.subsMu.Lock()
	s.subscriptions[conID] = struct{}{}
	s.subsMu.Unlock()
	return s.send(ctx, streamRequest{Op: "subscribe", ConIDs: []int64{conID}})
}

func (s *quoteStream) unsubscribe(ctx context.Context, conID int64) error {
	s.subsMu.Lock()
	_, ok := s.subscriptions[conID]
	delete(s.subscriptions, conID)
	s.subsMu.Unlock()
	if !ok {
		return nil
	}
	return s.send(ctx, streamRequest{Op: "unsubscribe", ConIDs: []int64{conID}})
}

func (s *quoteStream) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = streamMaxReconnectDelay

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.url, nil)
		if err != nil {
			s.logger.WithError(err).WithField("url", s.url).Warn("Quote stream dial failed")
			if err := s.sleep(backoffCfg.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		conn.SetReadLimit(streamReadLimit)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		backoffCfg.Reset()

		if err := s.resubscribe(); err != nil {
			s.logger.WithError(err).Warn("Resubscribe after reconnect failed")
		}

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			s.logger.WithError(firstErr).Warn("Quote stream connection lost")
		}
		if err := s.sleep(backoffCfg.NextBackOff()); err != nil {
			return err
		}
	}
}

func (s *quoteStream) sleep(d time.Duration) error {
	if d == backoff.Stop {
		d = streamMaxReconnectDelay
	}
	select {
	case <-s.ctx.Done():
		return context.Canceled
	case <-time.After(d):
		return nil
	}
}

func (s *quoteStream) resubscribe() error {
	s.subsMu.Lock()
	ids := make([]int64, 0, len(s.subscriptions))
	for conID := range s.subscriptions {
		ids = append(ids, conID)
	}
	s.subsMu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return s.send(s.ctx, streamRequest{Op: "subscribe", ConIDs: ids})
}

func (s *quoteStream) send(ctx context.Context, req streamRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Op, err)
	}
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		// replayed on reconnect
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s request: %w", req.Op, err)
	}
	return nil
}

func (s *quoteStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		var msg quoteMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Debug("Dropping undecodable stream message")
			continue
		}
		if msg.Error != "" {
			s.logger.WithField("con_id", msg.ConID).Warnf("Quote stream error: %s", msg.Error)
			continue
		}
		if msg.ConID == 0 {
			continue
		}
		s.handler(msg.ConID, msg.quote())
	}
}

func (s *quoteStream) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
