package routes

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"invochain/core"
	"invochain/gateway/middleware"
)

// Scopes understood by the facade. Tokens carry them in the configured scope
// claim, space-delimited or as a list.
const (
	ScopeInvoiceRead  = "invoice:read"
	ScopeInvoiceWrite = "invoice:write"
	ScopeBidRead      = "bid:read"
	ScopeBidWrite     = "bid:write"
	ScopeEscrowRead   = "escrow:read"
	ScopeInvestRead   = "investment:read"
)

// Rate limit bucket keys. Deployments configure budgets per key; routes with
// no configured bucket pass traffic through.
const (
	LimitInvoices    = "invoices"
	LimitBids        = "bids"
	LimitEscrows     = "escrows"
	LimitInvestments = "investments"
)

type Config struct {
	Node          *core.Node
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New assembles the REST facade over the node. Middlewares are always wired;
// a nil authenticator or limiter degrades to a pass-through so callers only
// configure what they need.
func New(cfg Config) (http.Handler, error) {
	if cfg.Node == nil {
		return nil, fmt.Errorf("gateway requires a node")
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, nil)
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil, nil)
	}
	obs := cfg.Observability
	b := &bridge{node: cfg.Node}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1/invoices", func(sr chi.Router) {
		sr.Use(limiter.Middleware(LimitInvoices))
		if obs != nil {
			sr.Use(obs.Middleware("invoices"))
		}
		sr.With(auth.Middleware(ScopeInvoiceWrite)).Post("/", b.createInvoice)
		sr.With(auth.Middleware(ScopeInvoiceRead)).Get("/counts", b.invoiceCounts)
		sr.With(auth.Middleware(ScopeInvoiceRead)).Get("/{id}", b.getInvoice)
		sr.With(auth.Middleware(ScopeBidRead)).Get("/{id}/bids", b.listRankedBids)
		sr.With(auth.Middleware(ScopeBidRead)).Get("/{id}/bids/best", b.bestBid)
		sr.With(auth.Middleware(ScopeEscrowRead)).Get("/{id}/escrow", b.invoiceEscrow)
		sr.With(auth.Middleware(ScopeInvestRead)).Get("/{id}/investment", b.invoiceInvestment)
	})

	r.Route("/v1/bids", func(sr chi.Router) {
		sr.Use(limiter.Middleware(LimitBids))
		if obs != nil {
			sr.Use(obs.Middleware("bids"))
		}
		sr.With(auth.Middleware(ScopeBidWrite)).Post("/", b.placeBid)
		sr.With(auth.Middleware(ScopeBidRead)).Get("/{id}", b.getBid)
		sr.With(auth.Middleware(ScopeBidWrite)).Post("/{id}/withdraw", b.withdrawBid)
	})

	r.Route("/v1/escrows", func(sr chi.Router) {
		sr.Use(limiter.Middleware(LimitEscrows))
		if obs != nil {
			sr.Use(obs.Middleware("escrows"))
		}
		sr.With(auth.Middleware(ScopeEscrowRead)).Get("/{id}", b.getEscrow)
	})

	r.Route("/v1/investments", func(sr chi.Router) {
		sr.Use(limiter.Middleware(LimitInvestments))
		if obs != nil {
			sr.Use(obs.Middleware("investments"))
		}
		sr.With(auth.Middleware(ScopeInvestRead)).Get("/", b.listInvestments)
		sr.With(auth.Middleware(ScopeInvestRead)).Get("/{id}", b.getInvestment)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}
