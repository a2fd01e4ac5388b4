package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomwatt-backend/internal/control"
	"roomwatt-backend/internal/insight"
	"roomwatt-backend/internal/ledger"
	"roomwatt-backend/internal/store"
)

// Deps are the collaborators shared by the handlers.
type Deps struct {
	Store   store.Store
	Control *control.Controller
	Ledger  *ledger.Ledger
	Insight *insight.Client
	WebPush *webpush.Options
	// The in-memory ledger holds every entry closed after Since and within
	// Retain of now; older ranges are answered from the store.
	Since   time.Time
	Retain  time.Duration
	Pending func() int64 // queued persistence jobs, optional
	Logger  *zap.Logger
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	ctrl    *control.Controller
	ledger  *ledger.Ledger
	insight *insight.Client
	webpush *webpush.Options
	since   time.Time
	retain  time.Duration
	pending func() int64
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:   d.Store,
		ctrl:    d.Control,
		ledger:  d.Ledger,
		insight: d.Insight,
		webpush: d.WebPush,
		since:   d.Since,
		retain:  d.Retain,
		pending: d.Pending,
		logger:  logger.Named("api"),
	}
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

// respondError maps domain errors to status codes.
func (h *Handler) respondError(c *gin.Context, err error) {
	var nf *ledger.NotFoundError
	var future *control.FutureSampleError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.As(err, &nf):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &future):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "Request timed out"})
	default:
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// parseRange reads the optional from, to and room_id query parameters.
func parseRange(c *gin.Context) (store.RangeQuery, bool) {
	var q store.RangeQuery
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid " + p.name + ", want RFC3339"})
			return q, false
		}
		*p.dst = t.UTC()
	}
	if raw := c.Query("room_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid room_id"})
			return q, false
		}
		q.RoomID = id
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
		return q, false
	}
	return q, true
}

// energy totals a range. Ranges the in-memory ledger fully covers are
// answered from it, pro rata and including open intervals. Anything older
// sums the archived entries and adds the accrual of the open intervals.
func (h *Handler) energy(ctx context.Context, q store.RangeQuery) (ledger.Totals, error) {
	now := h.ctrl.Now()
	horizon := now.Add(-h.retain)
	if h.since.After(horizon) {
		horizon = h.since
	}
	lq := ledger.Query{From: q.From, To: q.To, RoomID: q.RoomID, AsOf: now}
	if !q.From.IsZero() && !q.From.Before(horizon) {
		return h.ledger.Totals(lq), nil
	}

	archived, err := h.store.EnergyTotals(ctx, q)
	if err != nil {
		return ledger.Totals{}, err
	}
	lq.OpenOnly = true
	live := h.ledger.Totals(lq)
	return ledger.Totals{
		ConsumedKWh: archived.ConsumedKWh + live.ConsumedKWh,
		SavedKWh:    archived.SavedKWh + live.SavedKWh,
	}, nil
}
