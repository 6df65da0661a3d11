package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/broadcast"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	maxFrameBytes = 4096
)

// ErrorFrame answers an inbound frame that was rejected. Accepted frames
// get no direct reply; their effect arrives as a regular event.
const ErrorFrame broadcast.Type = "error"

// Inbound frame types.
const (
	frameSendMessage = "send_message"
	framePlaceBid    = "place_bid"
	frameClosePlayer = "close_player"
)

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// client is one WebSocket connection bound to an auction.
type client struct {
	srv       *Server
	conn      *websocket.Conn
	sub       *broadcast.Subscription
	auctionID string
	token     string
	replies   chan broadcast.Message
}

// stream upgrades the request and sends a snapshot followed by the
// auction's live events. The participant token comes from the header or,
// for browsers, the token query parameter.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	auctionID := r.PathValue("id")
	token := r.Header.Get(ParticipantHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	// Subscribe before reading the snapshot so nothing falls between them.
	sub := s.hub.Subscribe(auctionID)
	snap, err := s.engine.Snapshot(r.Context(), auctionID, token)
	if err != nil {
		sub.Close()
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		return
	}

	c := &client{
		srv:       s,
		conn:      conn,
		sub:       sub,
		auctionID: auctionID,
		token:     token,
		replies:   make(chan broadcast.Message, 16),
	}
	c.run(r.Context(), snap)
}

func (c *client) run(ctx context.Context, snap *auction.Snapshot) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop(ctx, snap)
	}()

	c.readLoop(ctx)
	cancel()
	<-done
	c.sub.Close()
	_ = c.conn.Close()
}

// writeLoop owns every write on the connection. It closes the connection
// when it stops so that readLoop unblocks.
func (c *client) writeLoop(ctx context.Context, snap *auction.Snapshot) {
	defer c.conn.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	first := broadcast.Message{
		AuctionID: c.auctionID,
		Type:      broadcast.Snapshot,
		Data:      snap,
		Time:      c.srv.clock.Now(),
	}
	if err := c.write(first); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.sub.C():
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "auction closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := c.write(msg); err != nil {
				return
			}
		case msg := <-c.replies:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(msg broadcast.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.DebugContext(ctx, "websocket closed",
					slog.String("auction_id", c.auctionID),
					slog.Any("error", err),
				)
			}
			return
		}
		if err := c.handle(ctx, data); err != nil {
			c.reply(ctx, err)
		}
	}
}

func (c *client) handle(ctx context.Context, data []byte) error {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decoding frame: %v: %w", err, auction.ErrInvalidInput)
	}
	if c.token == "" {
		return fmt.Errorf("%s from anonymous stream: %w", frame.Type, auction.ErrNotAuthorized)
	}

	switch frame.Type {
	case frameSendMessage:
		var req messageRequest
		if err := unmarshalData(frame.Data, &req); err != nil {
			return err
		}
		_, err := c.srv.engine.SendMessage(ctx, c.auctionID, c.token, req.Text)
		return err
	case framePlaceBid:
		var req bidRequest
		if err := unmarshalData(frame.Data, &req); err != nil {
			return err
		}
		_, err := c.srv.engine.PlaceBid(ctx, c.auctionID, req.PlayerID, c.token, req.Amount)
		return err
	case frameClosePlayer:
		_, err := c.srv.engine.CloseCurrentPlayer(ctx, c.auctionID, c.token)
		return err
	default:
		return fmt.Errorf("unknown frame type %q: %w", frame.Type, auction.ErrInvalidInput)
	}
}

func (c *client) reply(ctx context.Context, err error) {
	kind := auction.KindOf(err)
	body := errorBody{Error: err.Error(), Kind: kind}
	if kind == auction.KindInternal {
		c.srv.logger.ErrorContext(ctx, "websocket frame failed",
			slog.String("auction_id", c.auctionID),
			slog.Any("error", err),
		)
		body.Error = "internal error"
	}
	msg := broadcast.Message{
		AuctionID: c.auctionID,
		Type:      ErrorFrame,
		Data:      body,
		Time:      c.srv.clock.Now(),
	}
	select {
	case c.replies <- msg:
	default:
		c.srv.logger.WarnContext(ctx, "dropping websocket reply",
			slog.String("auction_id", c.auctionID),
		)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("frame without data: %w", auction.ErrInvalidInput)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding frame data: %v: %w", err, auction.ErrInvalidInput)
	}
	return nil
}
