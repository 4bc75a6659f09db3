package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/fieldsync/api/controllers"
	"github.com/angelmondragon/fieldsync/api/middleware"
	"github.com/angelmondragon/fieldsync/pkg/config"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	pkgredis "github.com/angelmondragon/fieldsync/pkg/redis"
)

// RouterParams carries everything the sync server mounts.
type RouterParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	Entities controllers.EntityStore
	Media    controllers.MediaStore
	// Replays remembers write responses per Idempotency-Key.
	Replays pkgredis.IdempotencyStore
	Limiter middleware.RateLimiterStore
	// Ready lists dependencies checked by /health/ready.
	Ready    map[string]controllers.Pinger
	Gatherer prometheus.Gatherer
}

func NewRouter(p RouterParams) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.Server.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.Ready))
	})

	if p.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	mediaOpts := controllers.MediaOptions{
		MaxUploadBytes: cfg.Server.MaxUploadBytes(),
		PublicBaseURL:  cfg.Server.PublicBaseURL,
	}
	uploadPolicy := middleware.NewRateLimitPolicy("upload", cfg.Server.UploadRateWindow, cfg.Server.UploadRateLimit)

	r.Route("/sync", func(r chi.Router) {
		r.Get("/debug", controllers.SyncDebug())

		r.Group(func(r chi.Router) {
			r.Use(middleware.DeviceHeader(logg))
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.Idempotency(p.Replays, middleware.IdempotencyOptions{
				UploadTTL: cfg.Redis.IdempotencyTTL,
				// Multipart framing rides on top of the file itself.
				MaxBody: mediaOpts.MaxUploadBytes + 1<<20,
			}, logg))

			r.Route("/entities/{table}", func(r chi.Router) {
				r.Get("/", controllers.EntityList(p.Entities, logg))
				r.Put("/{key}", controllers.EntityPut(p.Entities, logg))
				r.Delete("/{key}", controllers.EntityDelete(p.Entities, logg))
			})

			r.Route("/media", func(r chi.Router) {
				r.With(middleware.RateLimit(uploadPolicy, p.Limiter, logg)).
					Post("/upload", controllers.MediaUpload(p.Media, mediaOpts, logg))
				r.Get("/entity/{entityName}/{entityId}", controllers.EntityMedia(p.Media, mediaOpts, logg))
				r.Get("/{mediaId}/content", controllers.MediaContent(p.Media, logg))
			})
		})
	})

	return r
}
