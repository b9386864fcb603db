package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scanshop/companion-sync/api/controllers"
	"github.com/scanshop/companion-sync/api/middleware"
	"github.com/scanshop/companion-sync/internal/checkout"
	"github.com/scanshop/companion-sync/pkg/config"
	"github.com/scanshop/companion-sync/pkg/db"
	"github.com/scanshop/companion-sync/pkg/logger"
	pkgredis "github.com/scanshop/companion-sync/pkg/redis"
)

// Params carries everything the loopback API serves. Remote pingers are
// reported by name on the readiness probe.
type Params struct {
	Config   *config.Config
	Logger   *logger.Logger
	Gatherer prometheus.Gatherer
	Local    db.Pinger
	Remotes  map[string]db.Pinger
	Replay   pkgredis.IdempotencyStore
	Triggers controllers.TriggerNotifier
	Cycles   controllers.CycleReporter
	Delivery controllers.DeliveryLister
	Offline  controllers.OfflineLister
	Checkout checkout.Service
	History  controllers.HistoryReader
	Catalog  controllers.CatalogSyncer
	Products controllers.ProductFinder
	Carts    controllers.CartStore
}

func NewRouter(p Params) http.Handler {
	logg := p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(p.Config))
		r.Get("/ready", controllers.HealthReady(p.Config, logg, p.Local, p.Remotes))
	})

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	replay := middleware.Idempotency(p.Replay, logg)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.User(logg))

		r.Post("/triggers/{trigger}", controllers.TriggerSync(p.Triggers, logg))
		r.Get("/queues", controllers.QueueStatus(p.Delivery, p.Offline, p.Cycles, logg))
		r.With(replay).Post("/checkout", controllers.CheckoutSubmit(p.Checkout, logg))

		r.Route("/history", func(r chi.Router) {
			r.Get("/stats", controllers.HistoryStats(p.History, logg))
			r.Get("/{userId}", controllers.HistoryFetch(p.History, logg))
			r.Delete("/{userId}", controllers.HistoryInvalidate(p.History, logg))
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Post("/sync", controllers.CatalogSync(p.Catalog, logg))
			r.Get("/status", controllers.CatalogStatus(p.Catalog, logg))
			r.Get("/products", controllers.ProductSearch(p.Products, logg))
			r.Get("/products/{code}", controllers.ProductLookup(p.Products, logg))
		})

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", controllers.CartFetch(p.Carts, logg))
			r.Delete("/", controllers.CartClear(p.Carts, logg))
			r.With(replay).Post("/items", controllers.CartAddItem(p.Carts, p.Products, logg))
			r.Patch("/items/{code}", controllers.CartSetQuantity(p.Carts, logg))
			r.Delete("/items/{code}", controllers.CartRemoveItem(p.Carts, logg))
		})
	})

	return r
}
