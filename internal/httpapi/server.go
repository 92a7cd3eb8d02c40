// Package httpapi is the HTTP surface: record submission, gated reads,
// unlocking and operator endpoints. Gate grants live in a cookie-keyed
// session that is created by the first unlock.
//
// The server does not authenticate callers. The caller's role is read from
// the X-Medchain-Role header only when WithTrustedRoleHeader is set, which
// is safe only behind a proxy that authenticates callers and overwrites
// the header. Without it every caller is anonymous.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/medchain/internal/access"
	"github.com/roach88/medchain/internal/gate"
	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/verify"
)

const (
	// RoleHeader carries the caller role as "kind:id", e.g.
	// "professional:dr-7". Absent means anonymous.
	RoleHeader = "X-Medchain-Role"

	// ReasonHeader carries the purpose of a read. The reason query
	// parameter takes precedence.
	ReasonHeader = "X-Medchain-Reason"

	// SessionCookie names the cookie holding the gate session id.
	SessionCookie = "medchain_session"
)

// Writer is the producer side of the ledger.
type Writer interface {
	Genesis(ctx context.Context, subject ir.SubjectID, payload ir.IRObject) (ir.LedgerEntry, error)
	Append(ctx context.Context, subject ir.SubjectID, category ir.Category, recordID string, payload ir.IRObject) (ir.LedgerEntry, error)
	Stats(ctx context.Context) (ir.LedgerStats, error)
}

// Verifier runs integrity checks for operators.
type Verifier interface {
	VerifyAll(ctx context.Context, category ir.Category) (verify.Report, error)
	VerifySubject(ctx context.Context, subject ir.SubjectID) (verify.Report, error)
	VerifyEntry(ctx context.Context, hash string) (verify.Result, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handlers' dependencies.
type Server struct {
	writer   Writer
	guard    *access.Guard
	verifier Verifier
	sessions *gate.Sessions
	pinger   Pinger

	trustRoleHeader bool
}

// Option configures a Server.
type Option func(*Server)

// WithPinger makes /health check the store.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithTrustedRoleHeader honours the caller role sent in RoleHeader.
func WithTrustedRoleHeader() Option {
	return func(s *Server) { s.trustRoleHeader = true }
}

// New creates a server.
func New(w Writer, guard *access.Guard, v Verifier, sessions *gate.Sessions, opts ...Option) *Server {
	s := &Server{writer: w, guard: guard, verifier: v, sessions: sessions}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/health", s.health)

	r.Group(func(api chi.Router) {
		api.Use(s.identify)

		api.Route("/subjects/{subject}", func(sub chi.Router) {
			sub.Post("/genesis", s.createGenesis)
			sub.Post("/lanes/{category}", s.appendRecord)
			sub.Get("/lanes/{category}", s.readLane)
			sub.Get("/lanes/{category}/records/{recordID}", s.readRecord)
			sub.Post("/unlock", s.unlock)
			sub.Get("/profile", s.readProfile)
			sub.Get("/audit", s.readAudit)
			sub.Get("/secret", s.ownerSecret)
		})

		api.Get("/entries/{hash}", s.readEntry)
		api.Get("/entries/{hash}/audit", s.readEntryAudit)
		api.Get("/entries/{hash}/verify", s.verifyEntry)

		api.Get("/verify", s.verifyAll)
		api.Get("/stats", s.stats)
		api.Delete("/session", s.endSession)
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", requestID(r.Context()),
		)
	})
}

// identify resolves the caller role and any existing gate session once per
// request. It never creates a session.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := ir.Anonymous()
		if s.trustRoleHeader {
			var err error
			role, err = ir.ParseRole(r.Header.Get(RoleHeader))
			if err != nil {
				writeError(w, r, http.StatusBadRequest, CodeBadRole, err.Error(), nil)
				return
			}
		}

		var sess *gate.Session
		if c, err := r.Cookie(SessionCookie); err == nil {
			sess, _ = s.sessions.Get(c.Value)
		}

		ctx := context.WithValue(r.Context(), roleKey, role)
		if sess != nil {
			ctx = context.WithValue(ctx, sessionKey, sess)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// startSession returns the request's session, registering a new one and
// setting its cookie when there is none.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) *gate.Session {
	if sess := sessionFrom(r); sess != nil {
		return sess
	}
	sess := s.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return sess
}

func roleFrom(r *http.Request) ir.Role {
	role, ok := r.Context().Value(roleKey).(ir.Role)
	if !ok {
		return ir.Anonymous()
	}
	return role
}

func sessionFrom(r *http.Request) *gate.Session {
	sess, _ := r.Context().Value(sessionKey).(*gate.Session)
	return sess
}

func reasonFrom(r *http.Request) string {
	if reason := r.URL.Query().Get("reason"); reason != "" {
		return reason
	}
	return r.Header.Get(ReasonHeader)
}
