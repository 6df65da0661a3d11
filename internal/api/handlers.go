package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/player-auction/internal/auction"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string       `json:"error"`
	Kind  auction.Kind `json:"kind"`
}

type createRequest struct {
	Name              string          `json:"name"`
	Sport             string          `json:"sport"`
	BudgetPerTeam     decimal.Decimal `json:"budget_per_team"`
	MaxPlayersPerTeam int             `json:"max_players_per_team"`
	// Players is decoded with auction.DecodeCatalog so that unknown keys
	// become attributes.
	Players json.RawMessage `json:"players"`
}

type joinRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// joinResponse is the only place a participant token is ever returned.
type joinResponse struct {
	Participant *auction.Participant `json:"participant"`
	Token       string               `json:"token"`
	Auction     auction.Redemption   `json:"auction"`
}

type bidRequest struct {
	PlayerID string          `json:"player_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in := auction.CreateInput{
		Name:              req.Name,
		Sport:             req.Sport,
		BudgetPerTeam:     req.BudgetPerTeam,
		MaxPlayersPerTeam: req.MaxPlayersPerTeam,
	}
	if len(req.Players) > 0 {
		players, err := auction.DecodeCatalog(bytes.NewReader(req.Players))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		in.Players = players
	}

	snap, err := s.engine.CreateAuction(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) redeemCode(w http.ResponseWriter, r *http.Request) {
	red, err := s.engine.RedeemCode(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, red, err := s.engine.Join(r.Context(), req.Code, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{Participant: p, Token: p.Token, Auction: red})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), r.PathValue("id"), r.Header.Get(ParticipantHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) teardown(w http.ResponseWriter, r *http.Request) {
	token, ok := s.participant(w, r)
	if !ok {
		return
	}
	if err := s.engine.Teardown(r.Context(), r.PathValue("id"), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	token, ok := s.participant(w, r)
	if !ok {
		return
	}
	if err := s.engine.StartAuction(r.Context(), r.PathValue("id"), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) leave(w http.ResponseWriter, r *http.Request) {
	token, ok := s.participant(w, r)
	if !ok {
		return
	}
	if err := s.engine.Leave(r.Context(), r.PathValue("id"), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closePlayer(w http.ResponseWriter, r *http.Request) {
	token, ok := s.participant(w, r)
	if !ok {
		return
	}
	res, err := s.engine.CloseCurrentPlayer(r.Context(), r.PathValue("id"), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	token, ok := s.participant(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bid, err := s.engine.PlaceBid(r.Context(), r.PathValue("id"), req.PlayerID, token, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	token, ok := s.participant(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.engine.SendMessage(r.Context(), r.PathValue("id"), token, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	token, ok := s.participant(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("limit %q: %w", v, auction.ErrInvalidInput))
			return
		}
		limit = n
	}
	msgs, err := s.engine.ChatHistory(r.Context(), r.PathValue("id"), token, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []auction.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// participant returns the caller's participant token, answering 401 when
// the header is missing.
func (s *Server) participant(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := r.Header.Get(ParticipantHeader)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Error: "missing " + ParticipantHeader + " header",
			Kind:  auction.KindNotAuthorized,
		})
		return "", false
	}
	return token, true
}

func statusFor(kind auction.Kind) int {
	switch kind {
	case auction.KindNotAuthorized:
		return http.StatusForbidden
	case auction.KindInvalidState:
		return http.StatusConflict
	case auction.KindValidation:
		return http.StatusUnprocessableEntity
	case auction.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// errorFor converts err into the body sent to clients. Internal errors are
// logged and replaced by a generic message.
func (s *Server) errorFor(r *http.Request, err error) errorBody {
	kind := auction.KindOf(err)
	if kind == auction.KindInternal {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		return errorBody{Error: "internal error", Kind: kind}
	}
	return errorBody{Error: err.Error(), Kind: kind}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := s.errorFor(r, err)
	writeJSON(w, statusFor(body.Kind), body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %v: %w", err, auction.ErrInvalidInput)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
