package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/line-provider/store"
	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/internal/shared/httpx"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// EventStore is the catalog behind the API.
type EventStore interface {
	Create(ctx context.Context, in store.NewEvent) (events.Event, error)
	Get(ctx context.Context, id int64) (events.Event, error)
	List(ctx context.Context) ([]events.Event, error)
	Transition(ctx context.Context, id int64, to events.EventState) (events.Event, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// OutcomePublisher notifies bet-maker that an event was settled.
type OutcomePublisher interface {
	Publish(ctx context.Context, eventID int64, state events.EventState) error
	Announce(ctx context.Context, ev events.Event) error
}

// ChangeFeed fans catalog changes out to websocket clients.
type ChangeFeed interface {
	Created(ctx context.Context, ev events.Event)
	Settled(ctx context.Context, ev events.Event)
	Deleted(ctx context.Context, id int64)
}

// API exposes the line-provider catalog. Every route needs the static
// bearer token.
type API struct {
	Log       *zap.Logger
	Store     EventStore
	Publisher OutcomePublisher
	Feed      ChangeFeed       // optional
	WS        http.HandlerFunc // optional, serves /ws/events
	Token     string
	Origins   []string

	// PublishTimeout bounds the outcome publish that follows a settlement.
	// The publish does not stop when the caller disconnects.
	PublishTimeout time.Duration
}

const defaultPublishTimeout = 10 * time.Second

type deleteResponse struct {
	Status string `json:"status"`
}

// Router returns the HTTP router.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.RequestLog(a.Log))
	r.Use(httpx.CORS(a.Origins))

	r.Group(func(r chi.Router) {
		r.Use(a.requireToken)
		r.Post("/event", a.createEvent)
		r.Get("/events", a.listEvents)
		r.Get("/event/{id}", a.getEvent)
		r.Patch("/event/{id}/status", a.updateStatus)
		r.Post("/event/{id}/announce", a.announce)
		r.Delete("/event/{id}", a.deleteEvent)
		if a.WS != nil {
			r.Get("/ws/events", a.WS)
		}
	})
	return r
}

// requireToken compares the bearer token in constant time.
func (a *API) requireToken(next http.Handler) http.Handler {
	want := []byte(a.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			httpx.WriteError(w, a.Log, fmt.Errorf("%w: invalid line-provider token", apperr.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) createEvent(w http.ResponseWriter, r *http.Request) {
	var in store.NewEvent
	if err := httpx.Decode(r, &in); err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	ev, err := a.Store.Create(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	if a.Feed != nil {
		a.Feed.Created(r.Context(), ev)
	}
	httpx.WriteJSON(w, http.StatusOK, ev)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := a.Store.List(r.Context())
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, evs)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	ev, err := a.Store.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ev)
}

// updateStatus settles the event, then publishes the outcome. When the
// publish fails the transition stays committed and the caller gets 502;
// POST /event/{id}/announce re-sends it.
func (a *API) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	raw := r.URL.Query().Get("new_status")
	n, err := strconv.Atoi(raw)
	if err != nil || !events.EventState(n).Valid() {
		httpx.WriteError(w, a.Log, fmt.Errorf("%w: new_status must be one of 1, 2, 3, got %q", apperr.ErrValidation, raw))
		return
	}

	ev, err := a.Store.Transition(r.Context(), id, events.EventState(n))
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	if a.Feed != nil {
		a.Feed.Settled(r.Context(), ev)
	}
	if err := a.publish(r.Context(), ev); err != nil {
		a.Log.Warn("event settled but outcome not published", zap.Int64("event_id", id), zap.Error(err))
		httpx.WriteError(w, a.Log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ev)
}

func (a *API) publish(ctx context.Context, ev events.Event) error {
	timeout := a.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return a.Publisher.Publish(ctx, ev.EventID, ev.State)
}

func (a *API) announce(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	ev, err := a.Store.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	if err := a.Publisher.Announce(r.Context(), ev); err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ev)
}

func (a *API) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	removed, err := a.Store.Delete(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, a.Log, err)
		return
	}
	if !removed {
		httpx.WriteError(w, a.Log, fmt.Errorf("event %d: %w", id, apperr.ErrNotFound))
		return
	}
	if a.Feed != nil {
		a.Feed.Deleted(r.Context(), id)
	}
	httpx.WriteJSON(w, http.StatusOK, deleteResponse{Status: "event deleted"})
}

func eventID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: event id must be a positive integer, got %q", apperr.ErrValidation, raw)
	}
	return id, nil
}
