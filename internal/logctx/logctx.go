package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(serviceDataKey{}).(*ServiceData); ok {
		r.AddAttrs(slog.Group("svc",
			slog.String("type", sd.Type),
			slog.String("name", sd.Name),
		))
	}

	if cd, ok := ctx.Value(clusterDataKey{}).(*ClusterData); ok {
		r.AddAttrs(slog.Group("cluster",
			slog.String("member", cd.Member),
		))
	}

	if bd, ok := ctx.Value(bindDataKey{}).(*BindData); ok {
		r.AddAttrs(slog.Group("bind",
			slog.String("uri", bd.URI),
			slog.String("scheme", bd.Scheme),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.Uint64("id", sd.SessionID),
			slog.String("remote_addr", sd.RemoteAddr),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns l with its handler wrapped in Handler, unless it already is.
func Wrap(l *slog.Logger) *slog.Logger {
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type serviceDataKey struct{}

type ServiceData struct {
	Type string
	Name string
}

func WithServiceData(ctx context.Context, data *ServiceData) context.Context {
	return context.WithValue(ctx, serviceDataKey{}, data)
}

type clusterDataKey struct{}

type ClusterData struct {
	Member string
}

func WithClusterData(ctx context.Context, data *ClusterData) context.Context {
	return context.WithValue(ctx, clusterDataKey{}, data)
}

type bindDataKey struct{}

type BindData struct {
	URI    string
	Scheme string
}

func WithBindData(ctx context.Context, data *BindData) context.Context {
	return context.WithValue(ctx, bindDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID  uint64
	RemoteAddr string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
