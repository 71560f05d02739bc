// Package admin serves a read-only HTTP view of a gateway: its bindings,
// active sessions, balancer records and metrics.
package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/gatewaycore/balancer"
	"github.com/ggoodman/gatewaycore/cluster"
	"github.com/ggoodman/gatewaycore/internal/logctx"
	"github.com/ggoodman/gatewaycore/service"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	textMediaType  = contenttype.NewMediaType("text/plain")
	viewMediaTypes = []contenttype.MediaType{jsonMediaType, textMediaType}
)

var _ http.Handler = (*Handler)(nil)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Services lists the services a gateway is running.
type Services interface {
	Services() []*service.Manager
}

// ServicesFunc adapts a function to Services.
type ServicesFunc func() []*service.Manager

func (f ServicesFunc) Services() []*service.Manager { return f() }

// Option configures the Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = logctx.Wrap(l)
		}
	}
}

// WithBalancer exposes the cluster balancer records at /balancers.
func WithBalancer(b *balancer.State) Option {
	return func(h *Handler) { h.balancer = b }
}

// WithGatherer serves g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// Handler is the admin HTTP handler.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	services Services
	balancer *balancer.State
	gatherer prometheus.Gatherer
}

func New(services Services, opts ...Option) (*Handler, error) {
	if services == nil {
		return nil, fmt.Errorf("services are required")
	}
	h := &Handler{
		mux:      http.NewServeMux(),
		log:      slog.New(logctx.Handler{Handler: slog.NewTextHandler(io.Discard, nil)}),
		services: services,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h.mux.HandleFunc("GET /bindings", h.handleBindings)
	h.mux.HandleFunc("GET /sessions", h.handleSessions)
	h.mux.HandleFunc("GET /balancers", h.handleBalancers)
	if h.gatherer != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Binding is one row of /bindings.
type Binding struct {
	Service  string `json:"service"`
	URI      string `json:"uri"`
	Resource string `json:"resource"`
	Scheme   string `json:"scheme"`
}

// Session is one row of /sessions.
type Session struct {
	Service      string    `json:"service"`
	ID           uint64    `json:"id"`
	Address      string    `json:"address"`
	RemoteAddr   string    `json:"remoteAddr"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ReadBytes    int64     `json:"readBytes"`
	WrittenBytes int64     `json:"writtenBytes"`
}

// Balancers is the body of /balancers.
type Balancers struct {
	Records map[string][]string                      `json:"records"`
	Members map[cluster.MemberID]map[string][]string `json:"members"`
}

func (h *Handler) handleBindings(w http.ResponseWriter, r *http.Request) {
	rows := []Binding{}
	for _, m := range h.services.Services() {
		for _, b := range m.Bindings() {
			rows = append(rows, Binding{
				Service:  m.Config().Name,
				URI:      b.URI,
				Resource: b.Address.Resource(),
				Scheme:   b.Address.Scheme(),
			})
		}
	}
	h.render(w, r, rows, func(w io.Writer) {
		for _, b := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.Service, b.URI, b.Resource)
		}
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	rows := []Session{}
	for _, m := range h.services.Services() {
		for _, s := range m.ActiveSessions() {
			rows = append(rows, Session{
				Service:      m.Config().Name,
				ID:           s.ID(),
				Address:      s.Address().URI(),
				RemoteAddr:   s.RemoteAddr(),
				CreatedAt:    s.CreatedAt().UTC(),
				LastActivity: s.LastActivity().UTC(),
				ReadBytes:    s.ReadBytes(),
				WrittenBytes: s.WrittenBytes(),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	h.render(w, r, rows, func(w io.Writer) {
		for _, s := range rows {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\tread=%d written=%d\n", s.ID, s.Service, s.Address, s.RemoteAddr, s.ReadBytes, s.WrittenBytes)
		}
	})
}

func (h *Handler) handleBalancers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.balancer == nil {
		writeJSONError(w, http.StatusNotFound, "balancing is not enabled")
		return
	}
	records, err := h.balancer.Records(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "admin.balancers.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to read balancer records")
		return
	}
	members, err := h.balancer.Members(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "admin.balancers.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to read balancer members")
		return
	}
	body := Balancers{Records: records, Members: members}
	h.render(w, r, body, func(w io.Writer) {
		keys := make([]string, 0, len(records))
		for k := range records {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s\n", k)
			for _, target := range records[k] {
				fmt.Fprintf(w, "\t%s\n", target)
			}
		}
	})
}

// render writes v as JSON or calls text, whichever the client accepts.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, v any, text func(io.Writer)) {
	mt, _, err := contenttype.GetAcceptableMediaType(r, viewMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or text/plain")
		h.log.WarnContext(r.Context(), "accept.unsupported")
		return
	}
	if mt.Matches(textMediaType) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		text(w)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WarnContext(r.Context(), "json.encode.fail", slog.String("err", err.Error()))
	}
}
