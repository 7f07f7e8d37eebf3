package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/bet-maker/auth"
	"github.com/radieske/bet-line-platform/internal/bet-maker/repo"
	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/internal/shared/httpx"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// Ledger stores bets.
type Ledger interface {
	Create(ctx context.Context, in repo.NewBet) (repo.Bet, error)
	Get(ctx context.Context, id int64) (repo.Bet, error)
	List(ctx context.Context) ([]repo.Bet, error)
	ListForUser(ctx context.Context, userID int64) ([]repo.Bet, error)
	Delete(ctx context.Context, id int64) error
}

// Admitter checks that an event still takes bets.
type Admitter interface {
	Admit(ctx context.Context, eventID int64) (events.Event, error)
}

// Catalog refreshes the event cache and returns the upstream catalog.
type Catalog interface {
	Refresh(ctx context.Context) ([]events.Event, error)
}

// Server exposes the bet-maker API under /api.
type Server struct {
	log      *zap.Logger
	ledger   Ledger
	admit    Admitter
	catalog  Catalog
	verifier *auth.Verifier
	origins  []string

	OnBetPlaced func() // metrics
}

func NewServer(log *zap.Logger, l Ledger, a Admitter, c Catalog, v *auth.Verifier, origins []string) *Server {
	return &Server{log: log, ledger: l, admit: a, catalog: c, verifier: v, origins: origins}
}

type betRequest struct {
	BetAmount float64 `json:"bet_amount" validate:"gt=0"`
	EventID   int64   `json:"event_id" validate:"gt=0"`
}

type deleteResponse struct {
	Status string `json:"status"`
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.RequestLog(s.log))
	r.Use(httpx.CORS(s.origins))

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier, s.log))
		r.Post("/bet", s.placeBet)
		r.Get("/bets", s.listBets)
		r.Get("/bets/{id}", s.getBet)
		r.Delete("/bets/{id}", s.deleteBet)
		r.Get("/my/bets", s.myBets)
		r.Get("/events", s.listEvents)
	})
	return r
}

// placeBet admits the event, then inserts the bet. The event may close
// between the two steps; such a bet is still accepted.
func (s *Server) placeBet(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	var req betRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if _, err := s.admit.Admit(r.Context(), req.EventID); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	b, err := s.ledger.Create(r.Context(), repo.NewBet{UserID: p.UserID, EventID: req.EventID, BetAmount: req.BetAmount})
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if s.OnBetPlaced != nil {
		s.OnBetPlaced()
	}
	s.log.Info("bet placed", zap.Int64("bet_id", b.ID), zap.Int64("user_id", b.UserID), zap.Int64("event_id", b.EventID))
	httpx.WriteJSON(w, http.StatusOK, b)
}

func (s *Server) listBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.ledger.List(r.Context())
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bets)
}

func (s *Server) myBets(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	bets, err := s.ledger.ListForUser(r.Context(), p.UserID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bets)
}

func (s *Server) getBet(w http.ResponseWriter, r *http.Request) {
	id, err := betID(r)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	b, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

func (s *Server) deleteBet(w http.ResponseWriter, r *http.Request) {
	id, err := betID(r)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.ledger.Delete(r.Context(), id); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, deleteResponse{Status: "bet deleted"})
}

// listEvents refreshes the cache and returns the upstream catalog.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.catalog.Refresh(r.Context())
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, evs)
}

func betID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bet id must be a positive integer, got %q", apperr.ErrValidation, raw)
	}
	return id, nil
}
