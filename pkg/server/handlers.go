package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aeolun/wirechat/pkg/msgcache"
	"github.com/aeolun/wirechat/pkg/protocol"
	"github.com/aeolun/wirechat/pkg/sessions"
)

// Router answers requests from the closed routing table
type Router struct {
	users      UserStore
	sessions   SessionStore
	messages   MessageLister
	static     *staticFiles
	cookieName string
	metrics    *Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// RouterConfig holds what a Router needs
type RouterConfig struct {
	Users      UserStore
	Sessions   SessionStore
	Messages   MessageLister
	StaticDir  string
	CookieName string
	Metrics    *Metrics

	// TracerProvider defaults to the global provider
	TracerProvider trace.TracerProvider
}

// NewRouter creates a Router
func NewRouter(cfg RouterConfig) *Router {
	name := cfg.CookieName
	if name == "" {
		name = DefaultConfig().CookieName
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Router{
		users:      cfg.Users,
		sessions:   cfg.Sessions,
		messages:   cfg.Messages,
		static:     newStaticFiles(cfg.StaticDir),
		cookieName: name,
		metrics:    cfg.Metrics,
		tracer:     tp.Tracer(TracerName),
		now:        time.Now,
	}
}

// ServeRequest implements Handler. Domain errors are rendered here, so the
// returned error is always nil.
func (rt *Router) ServeRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	start := time.Now()
	r := resolveRoute(req.Method, req.Target)

	ctx, span := startRequestSpan(ctx, rt.tracer, req, r)
	resp, err := rt.handle(ctx, r, req)
	if err != nil {
		resp = errorResponse(err)
	}
	endRequestSpan(span, resp, err)

	rt.metrics.RecordRequest(r.String(), resp.Status(), time.Since(start))
	debugLog.Printf("%s %s -> %d", req.Method, req.Target, resp.Status())
	return resp, nil
}

func (rt *Router) handle(ctx context.Context, r route, req *protocol.Request) (*protocol.Response, error) {
	switch r {
	case routeIndex:
		return rt.handleIndex(ctx, req)
	case routeChat:
		return rt.handleChat(ctx, req)
	case routeLogout:
		return rt.handleLogout(ctx, req)
	case routeMessages:
		return rt.handleMessages(ctx, req)
	case routeAuth:
		return rt.handleAuth(ctx, req)
	case routeRegistration:
		return rt.handleRegistration(ctx, req)
	case routeLogoutOthers:
		return rt.handleLogoutOthers(ctx, req)
	case routeSessionRotate:
		return rt.handleSessionRotate(ctx, req)
	case routeStatic:
		return rt.static.serve(requestPath(req.Target)), nil
	case routeNotFound:
		return notFound(), nil
	default:
		return protocol.NewResponse(protocol.StatusNotImplemented), nil
	}
}

// handleIndex sends logged-in users to the chat, everyone else gets the
// login page
func (rt *Router) handleIndex(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	_, err := rt.authorize(ctx, req)
	switch {
	case err == nil:
		return redirect("/chat.html"), nil
	case errors.Is(err, sessions.ErrUnauthorized):
		return rt.static.serve("/index.html"), nil
	default:
		return nil, err
	}
}

// handleChat serves the chat page to logged-in users only
func (rt *Router) handleChat(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	_, err := rt.authorize(ctx, req)
	switch {
	case err == nil:
		return rt.static.serve("/chat.html"), nil
	case errors.Is(err, sessions.ErrUnauthorized):
		return redirect("/"), nil
	default:
		return nil, err
	}
}

// handleLogout revokes the current token. A missing or stale cookie still
// gets cleared.
func (rt *Router) handleLogout(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if token, ok := req.Cookie(rt.cookieName); ok {
		err := rt.sessions.Revoke(ctx, token)
		rt.metrics.RecordSessionOp("revoke", err)
		if err != nil && !errors.Is(err, sessions.ErrUnauthorized) {
			return nil, err
		}
	}
	resp := redirect("/")
	resp.ClearCookie(rt.cookieName)
	return resp, nil
}

// handleMessages lists the cached messages of the last 24 hours
func (rt *Router) handleMessages(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if _, err := rt.authorize(ctx, req); err != nil {
		return nil, err
	}
	entries, err := rt.messages.List(ctx)
	if err != nil {
		return nil, err
	}
	return okResponse(map[string]any{"messages": msgcache.Records(entries)}), nil
}

// handleAuth checks credentials and issues a session cookie
func (rt *Router) handleAuth(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	login, _ := req.Param("login")
	password, _ := req.Param("password")

	user, err := rt.users.Authenticate(login, password)
	if err != nil {
		return nil, err
	}
	return rt.startSession(ctx, user.ID)
}

// handleRegistration validates and creates an account, then logs it in
func (rt *Router) handleRegistration(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	login, _ := req.Param("login")
	password, _ := req.Param("password")

	if err := ValidateLogin(login); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	user, err := rt.users.RegisterUser(login, password)
	if err != nil {
		return nil, err
	}
	return rt.startSession(ctx, user.ID)
}

// handleLogoutOthers ends every other session of the user
func (rt *Router) handleLogoutOthers(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	token, ok := req.Cookie(rt.cookieName)
	if !ok {
		return nil, sessions.ErrUnauthorized
	}
	kept, err := rt.sessions.RevokeOthers(ctx, token)
	rt.metrics.RecordSessionOp("revoke_others", err)
	if err != nil {
		return nil, err
	}
	return rt.withCookie(okResponse(nil), kept), nil
}

// handleSessionRotate swaps the current token for a fresh one
func (rt *Router) handleSessionRotate(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	token, ok := req.Cookie(rt.cookieName)
	if !ok {
		return nil, sessions.ErrUnauthorized
	}
	fresh, err := rt.sessions.Rotate(ctx, token)
	rt.metrics.RecordSessionOp("rotate", err)
	if err != nil {
		return nil, err
	}
	return rt.withCookie(okResponse(nil), fresh), nil
}

func (rt *Router) startSession(ctx context.Context, userID int64) (*protocol.Response, error) {
	token, err := rt.sessions.Issue(ctx, strconv.FormatInt(userID, 10), "")
	rt.metrics.RecordSessionOp("issue", err)
	if err != nil {
		return nil, err
	}
	return rt.withCookie(okResponse(nil), token), nil
}

// authorize resolves the session cookie to a user id
func (rt *Router) authorize(ctx context.Context, req *protocol.Request) (string, error) {
	token, ok := req.Cookie(rt.cookieName)
	if !ok || token == "" {
		return "", sessions.ErrUnauthorized
	}
	userID, err := rt.sessions.Resolve(ctx, token)
	rt.metrics.RecordSessionOp("resolve", err)
	return userID, err
}

func (rt *Router) withCookie(resp *protocol.Response, token string) *protocol.Response {
	resp.SetCookie(rt.cookieName, token, "/", rt.now().Add(rt.sessions.TTL()))
	return resp
}

func redirect(location string) *protocol.Response {
	resp := protocol.NewResponse(protocol.StatusFound)
	resp.SetHeader("Location", location)
	return resp
}
