package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"chimera/internal/clock"
	"chimera/internal/schema"
)

const DefaultStreamURL = "wss://stream.binance.com:9443/ws"

// DepthHandler receives one normalized diff-depth message.
type DepthHandler func(symbol string, d schema.DepthDelta, tsExchange, tsLocal int64)

// TradeHandler receives one normalized trade print.
type TradeHandler func(symbol string, t schema.MarketTick, tsExchange, tsLocal int64)

// Stream is a public market data websocket carrying diff-depth and trade streams.
type Stream struct {
	wss   *ws.WebSocket
	clock clock.Clock
	reqID atomic.Int64
}

// NewStream creates a stream. tsLocal of every message is read from c.
func NewStream(ctx context.Context, url string, c clock.Clock) *Stream {
	if url == "" {
		url = DefaultStreamURL
	}
	return &Stream{
		wss:   ws.New(ctx, url),
		clock: c,
	}
}

func (s *Stream) Len() int {
	return s.wss.Len()
}

func (s *Stream) Close() {
	s.wss.Close()
}

func (s *Stream) Start(ctx context.Context) error {
	if err := s.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}
	return nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

func subscribeResponseParser(m ws.Message) (subscribeResponse, bool) {
	var resp subscribeResponse
	err := m.Unmarshal(&resp)
	return resp, err == nil
}

// SubscribeDepth subscribes the 'Diff. Depth Stream'.
func (s *Stream) SubscribeDepth(ctx context.Context, symbol string) error {
	return s.subscribe(ctx, fmt.Sprintf("%s@depth@100ms", strings.ToLower(symbol)))
}

// SubscribeTrades subscribes the 'Trade Streams'.
func (s *Stream) SubscribeTrades(ctx context.Context, symbol string) error {
	return s.subscribe(ctx, fmt.Sprintf("%s@trade", strings.ToLower(symbol)))
}

func (s *Stream) subscribe(ctx context.Context, param string) error {
	id := s.reqID.Add(1)
	appendIntoRegister := true
	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := subscribeRequest{
				Method: "SUBSCRIBE",
				Params: []string{param},
				ID:     id,
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := subscribeResponseParser(m)
			if !ok || resp.ID != id {
				return false, nil
			}

			if resp.Result != nil {
				return false, errors.Errorf("subscribe and wait, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

type depthUpdate struct {
	EventType     string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID uint64      `json:"U"`
	FinalUpdateID uint64      `json:"u"`
	Bids          [][2]string `json:"b"` // [0]price [1]quantity
	Asks          [][2]string `json:"a"` // [0]price [1]quantity
}

func (d depthUpdate) toDelta() (schema.DepthDelta, error) {
	bids, err := parseLevels(d.Bids)
	if err != nil {
		return schema.DepthDelta{}, err
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return schema.DepthDelta{}, err
	}
	return schema.DepthDelta{
		FirstUpdateID: d.FirstUpdateID,
		LastUpdateID:  d.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

type tradeEvent struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	TradeID    uint64 `json:"t"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

func (t tradeEvent) toMarketTick() (schema.MarketTick, error) {
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return schema.MarketTick{}, errors.Wrap(err, "parse trade price")
	}
	qty, err := strconv.ParseFloat(t.Qty, 64)
	if err != nil {
		return schema.MarketTick{}, errors.Wrap(err, "parse trade quantity")
	}
	return schema.MarketTick{TradeID: t.TradeID, Price: price, Qty: qty, BuyerMaker: t.BuyerMaker}, nil
}

// ObserveDepth forwards every depthUpdate message to handler.
func (s *Stream) ObserveDepth(ctx context.Context, handler DepthHandler) (unsubscribe func()) {
	return s.observe(ctx, func(m ws.Message) {
		msg, ok := ws.ReadMessage[depthUpdate](m)
		if !ok || msg.EventType != "depthUpdate" {
			return
		}
		tsLocal := s.clock.Now()
		d, err := msg.toDelta()
		if err != nil {
			logs.Errorf("drop depth update of %s, err: %+v", msg.Symbol, err)
			return
		}
		handler(msg.Symbol, d, msg.EventTime*1e6, tsLocal)
	})
}

// ObserveTrades forwards every trade message to handler.
func (s *Stream) ObserveTrades(ctx context.Context, handler TradeHandler) (unsubscribe func()) {
	return s.observe(ctx, func(m ws.Message) {
		msg, ok := ws.ReadMessage[tradeEvent](m)
		if !ok || msg.EventType != "trade" {
			return
		}
		tsLocal := s.clock.Now()
		t, err := msg.toMarketTick()
		if err != nil {
			logs.Errorf("drop trade of %s, err: %+v", msg.Symbol, err)
			return
		}
		handler(msg.Symbol, t, msg.TradeTime*1e6, tsLocal)
	})
}

func (s *Stream) observe(ctx context.Context, fn func(ws.Message)) func() {
	ch, cancel := s.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				fn(m)
			}
		}
	}()

	return cancel
}
