package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
	authpkg "github.com/leadline-io/crm-go/cmd/api/auth"
	dealspkg "github.com/leadline-io/crm-go/cmd/api/deals"
	emailspkg "github.com/leadline-io/crm-go/cmd/api/emails"
	eventspkg "github.com/leadline-io/crm-go/cmd/api/events"
	leadspkg "github.com/leadline-io/crm-go/cmd/api/leads"
	metricspkg "github.com/leadline-io/crm-go/cmd/api/metrics"
	"github.com/leadline-io/crm-go/cmd/api/migrations"
	slaspkg "github.com/leadline-io/crm-go/cmd/api/slas"
	statusespkg "github.com/leadline-io/crm-go/cmd/api/statuses"
	wspkg "github.com/leadline-io/crm-go/cmd/api/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := apppkg.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	if err := migrations.Up(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	var keyf jwt.Keyfunc
	if cfg.JWKSURL != "" {
		keyf, err = jwksKeyfunc(ctx, cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("fetch jwks")
		}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	if cfg.AuthMode == "local" && cfg.Env == "dev" {
		if err := seedLocalAdmin(ctx, pool, cfg.AdminPassword); err != nil {
			log.Error().Err(err).Msg("seed local admin")
		}
	}

	a := apppkg.NewApp(cfg, pool, keyf, rdb)

	hub := wspkg.NewHub(rdb)
	go hub.Run(ctx)

	routes(a, hub)

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        a.R,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Info().Str("addr", cfg.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("listen")
	}
}

func routes(a *apppkg.App, hub *wspkg.Hub) {
	a.R.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	a.R.GET("/metrics", metricspkg.Handler())

	if a.Cfg.AuthMode == "local" {
		a.R.POST("/login", authpkg.Login(a))
		a.R.POST("/logout", authpkg.Logout())
	}

	auth := a.R.Group("/")
	auth.Use(authpkg.Middleware(a))
	auth.GET("/me", authpkg.Me)

	auth.GET("/slas", slaspkg.List(a))
	auth.POST("/slas", authpkg.RequireRole("manager"), slaspkg.Create(a))
	auth.GET("/slas/:name", slaspkg.Get(a))
	auth.GET("/holiday-lists", slaspkg.ListHolidayLists(a))
	auth.POST("/holiday-lists", authpkg.RequireRole("manager"), slaspkg.CreateHolidayList(a))

	auth.GET("/communication-statuses", statusespkg.List(a))
	auth.POST("/communication-statuses", authpkg.RequireRole("manager"), statusespkg.Create(a))

	auth.GET("/leads", leadspkg.List(a))
	auth.POST("/leads", leadspkg.Create(a))
	auth.GET("/leads/:id", leadspkg.Get(a))
	auth.PATCH("/leads/:id", authpkg.RequireRole("agent"), leadspkg.Update(a))
	auth.POST("/leads/:id/communications", authpkg.RequireRole("agent"), leadspkg.RecordCommunication(a))
	auth.POST("/leads/:id/convert", authpkg.RequireRole("agent"), leadspkg.Convert(a))

	auth.GET("/deals", dealspkg.List(a))
	auth.POST("/deals", dealspkg.Create(a))
	auth.GET("/deals/:id", dealspkg.Get(a))
	auth.PATCH("/deals/:id", authpkg.RequireRole("agent"), dealspkg.Update(a))
	auth.POST("/deals/:id/communications", authpkg.RequireRole("agent"), dealspkg.RecordCommunication(a))

	auth.GET("/events", eventspkg.Stream(a))
	auth.GET("/metrics/summary", authpkg.RequireRole("agent"), metricspkg.Summary(a))
	auth.GET("/emails/outbound", authpkg.RequireRole("manager"), emailspkg.ListOutbound(a))

	auth.GET("/ws", func(c *gin.Context) {
		var kinds []string
		if q := c.Query("kind"); q != "" {
			kinds = strings.Split(q, ",")
		}
		conn, err := wspkg.Upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		isManager := false
		if v, ok := c.Get("user"); ok {
			if u, ok := v.(authpkg.AuthUser); ok {
				for _, r := range u.Roles {
					if r == "manager" || r == "admin" {
						isManager = true
						break
					}
				}
			}
		}
		client := wspkg.NewClient(hub, conn, isManager, kinds)
		hub.Register(client)
		go client.WritePump(c.Request.Context())
		client.ReadPump()
	})
}

// jwksKeyfunc fetches the JWKS once and refreshes it every ten minutes.
func jwksKeyfunc(ctx context.Context, url string) (jwt.Keyfunc, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	set, err := jwk.Fetch(ctx, url, jwk.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	setPtr := &set
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if newSet, err := jwk.Fetch(context.Background(), url, jwk.WithHTTPClient(httpClient)); err == nil {
				*setPtr = newSet
			}
		}
	}()
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			if key, ok := (*setPtr).LookupKeyID(kid); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		it := (*setPtr).Iterate(context.Background())
		if it.Next(context.Background()) {
			pair := it.Pair()
			if key, ok := pair.Value.(jwk.Key); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		return nil, fmt.Errorf("no jwk for kid: %s", kid)
	}, nil
}

func seedLocalAdmin(ctx context.Context, db *pgxpool.Pool, password string) error {
	var exists bool
	if err := db.QueryRow(ctx, `select exists(select 1 from users where lower(username)='admin')`).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	var uid string
	if err := db.QueryRow(ctx,
		`insert into users (username, email, display_name, password_hash, roles) values ('admin', 'admin@example.com', 'Admin', $1, '{agent,manager,admin}') returning id::text`,
		string(hash)).Scan(&uid); err != nil {
		return err
	}
	log.Info().Str("username", "admin").Msg("seeded local admin user (dev)")
	return nil
}
