// Command reportflowd runs the incident report intelligence service: it loads
// the agent graph, wires the inference provider and backing stores, and
// exposes the orchestration API over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/reportflow/reportflow/agent"
	"github.com/reportflow/reportflow/agent/exec"
	"github.com/reportflow/reportflow/grounding"
	groundmem "github.com/reportflow/reportflow/grounding/inmem"
	"github.com/reportflow/reportflow/grounding/mongostore"
	"github.com/reportflow/reportflow/inference"
	"github.com/reportflow/reportflow/inference/anthropic"
	"github.com/reportflow/reportflow/inference/middleware"
	"github.com/reportflow/reportflow/inference/openai"
	"github.com/reportflow/reportflow/orchestrator"
	"github.com/reportflow/reportflow/secrets"
	"github.com/reportflow/reportflow/telemetry"
	"github.com/reportflow/reportflow/toolauth"
	authmem "github.com/reportflow/reportflow/toolauth/inmem"
	"github.com/reportflow/reportflow/toolauth/redisstore"
)

func main() {
	var (
		httpPortF  = flag.String("http-port", "8080", "HTTP listen port")
		agentsF    = flag.String("agents", "agents.yaml", "Path to the agent definition file")
		providerF  = flag.String("provider", "openai", "Inference provider (openai or anthropic)")
		modelF     = flag.String("model", "", "Default model identifier (provider default when empty)")
		rateF      = flag.Float64("inference-rps", 5, "Inference requests per second across all agents")
		burstF     = flag.Int("inference-burst", 5, "Inference request burst")
		mongoURIF  = flag.String("mongo-uri", "", "MongoDB connection URI (in-memory session store when empty)")
		mongoDBF   = flag.String("mongo-db", "reportflow", "MongoDB database name")
		redisAddrF = flag.String("redis-addr", "", "Redis address for the permission store (in-memory when empty)")
		timeoutF   = flag.Duration("request-timeout", orchestrator.DefaultRequestTimeout, "Ceiling across all levels of one request")
		dbgF       = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-port", V: *httpPortF}, log.KV{K: "provider", V: *providerF})

	registry, err := agent.LoadFile(*agentsF)
	if err != nil {
		log.Fatalf(ctx, err, "load agent definitions from %q", *agentsF)
	}
	log.Print(ctx, log.KV{K: "agents", V: registry.Len()})

	client, err := newInferenceClient(*providerF, *modelF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	client = middleware.RateLimited(client, rate.Limit(*rateF), *burstF)

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	var pingers []health.Pinger

	var permissions toolauth.PermissionStore
	if *redisAddrF != "" {
		store, err := redisstore.New(redisstore.Options{
			Redis: redis.NewClient(&redis.Options{Addr: *redisAddrF}),
		})
		if err != nil {
			log.Fatalf(ctx, err, "connect permission store at %q", *redisAddrF)
		}
		permissions = store
		pingers = append(pingers, store)
	} else {
		permissions = authmem.New()
	}
	verifier, err := toolauth.New(toolauth.Options{
		Permissions: permissions,
		Catalog:     toolauth.StaticCatalog{},
		Secrets:     secrets.NewEnv("REPORTFLOW_SECRET_"),
		Logger:      logger,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	var sessionStore grounding.Store
	if *mongoURIF != "" {
		mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(*mongoURIF))
		if err != nil {
			log.Fatalf(ctx, err, "connect MongoDB at %q", *mongoURIF)
		}
		defer func() {
			_ = mongoClient.Disconnect(context.Background())
		}()
		store, err := mongostore.New(mongostore.Options{Client: mongoClient, Database: *mongoDBF})
		if err != nil {
			log.Fatalf(ctx, err, "initialize session store")
		}
		sessionStore = store
		pingers = append(pingers, store)
	} else {
		sessionStore = groundmem.New()
	}
	manager, err := grounding.NewManager(grounding.ManagerOptions{Store: sessionStore, Logger: logger})
	if err != nil {
		log.Fatal(ctx, err)
	}

	executor, err := exec.New(exec.Options{
		Inference: client,
		Tools:     verifier,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	service, err := orchestrator.New(orchestrator.Options{
		Registry:       registry,
		Executor:       executor,
		Grounding:      manager,
		RequestTimeout: *timeoutF,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	mux := http.NewServeMux()
	mountAPI(mux, service)
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))

	server := &http.Server{
		Addr:              net.JoinHostPort("", *httpPortF),
		Handler:           log.HTTP(ctx)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "listening on :%s", *httpPortF)
		errc <- server.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "server shutdown")
	}
	log.Printf(ctx, "exited")
}

func newInferenceClient(provider, model string) (inference.Client, error) {
	switch provider {
	case "openai":
		if model == "" {
			model = "gpt-4o-mini"
		}
		return openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), model)
	case "anthropic":
		if model == "" {
			model = "claude-sonnet-4-0"
		}
		return anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), model)
	default:
		return nil, fmt.Errorf("unknown provider %q (valid: openai, anthropic)", provider)
	}
}
