package router

import (
	"net/http"

	"github.com/paydesk/backend/internal/auth"
	"github.com/paydesk/backend/internal/dashboard"
	"github.com/paydesk/backend/internal/handlers"
)

// New returns the API handler. Auth routes are public; everything else
// sits behind the staff session middleware.
func New(authHandler *auth.Handler, tradeHandler *handlers.TradeHandler, dashHandler *dashboard.Handler, staffAuth func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/register", authHandler.Register)
	mux.HandleFunc("POST "+base+"/auth/login", authHandler.Login)

	protected := func(h http.HandlerFunc) http.Handler { return staffAuth(h) }

	mux.Handle("GET "+base+"/trades", protected(tradeHandler.ListTrades))
	mux.Handle("GET "+base+"/trades/{id}", protected(tradeHandler.GetTrade))
	mux.Handle("POST "+base+"/trades/{id}/mark-paid", protected(tradeHandler.MarkPaid))
	mux.Handle("POST "+base+"/trades/{id}/escalate", protected(tradeHandler.Escalate))
	mux.Handle("POST "+base+"/trades/{id}/cancel", protected(tradeHandler.Cancel))
	mux.Handle("POST "+base+"/trades/{id}/reassign", protected(tradeHandler.Reassign))

	mux.Handle("GET "+base+"/dashboard/stats", protected(dashHandler.Stats))

	return mux
}
