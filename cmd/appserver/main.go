// Command appserver runs the autoscale control plane: the partitioned
// scheduler (C8), the policy evaluator (C7) and group controller (C6) it
// dispatches into, and the ops HTTP surface (health/readiness/metrics).
// Flags mirror the teacher's appserver entrypoint (config path, listen
// address) generalized to this domain's own dependencies.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ottercloud/autoscale-controlplane/internal/app/catalog"
	"github.com/ottercloud/autoscale-controlplane/internal/app/cloudobserver"
	"github.com/ottercloud/autoscale-controlplane/internal/app/controller"
	"github.com/ottercloud/autoscale-controlplane/internal/app/executor"
	"github.com/ottercloud/autoscale-controlplane/internal/app/httpeffect"
	"github.com/ottercloud/autoscale-controlplane/internal/app/policyeval"
	"github.com/ottercloud/autoscale-controlplane/internal/app/scheduler"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store"
	"github.com/ottercloud/autoscale-controlplane/internal/app/store/memory"
	"github.com/ottercloud/autoscale-controlplane/internal/config"
	"github.com/ottercloud/autoscale-controlplane/internal/coordination"
	"github.com/ottercloud/autoscale-controlplane/internal/opsserver"
	"github.com/ottercloud/autoscale-controlplane/internal/ratelimit"
	"github.com/ottercloud/autoscale-controlplane/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "ops HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	instanceIDFlag := flag.String("instance-id", "", "this process's coordination member id (defaults to hostname:pid)")
	coordinationMode := flag.String("coordination", "single", "partitioner backend: single or redis")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	st := memory.New()

	privateKey, err := loadOrGenerateAuthKey(cfg.Auth.PrivateKeyPath)
	if err != nil {
		log.Fatalf("auth key: %v", err)
	}
	tokens := coordination.NewTokenCache(coordination.NewTokenGenerator(privateKey, cfg.Auth.ServiceID, cfg.Auth.TokenExpiry))

	computeURL, clbURL, rcv3URL, err := resolveCloudEndpoints(cfg.Cloud)
	if err != nil {
		log.Fatalf("resolve cloud endpoints: %v", err)
	}

	httpClient := &http.Client{
		Timeout:   cfg.Cloud.RequestTimeout,
		Transport: ratelimit.NewTransport(nil, ratelimit.RateLimitConfig{RequestsPerSecond: cfg.Cloud.RequestsPerSecond}),
	}

	compute := newCloudRequestFunc(httpClient, computeURL, tokens)
	clb := newCloudRequestFunc(httpClient, clbURL, tokens)
	rcv3 := newCloudRequestFunc(httpClient, rcv3URL, tokens)

	exec := executor.New(compute, clb, rcv3, appLog)
	exec.StepDeadline = cfg.Executor.StepDeadline
	exec.Retry.MaxAttempts = cfg.Executor.RetryMaxAttempts
	exec.Retry.InitialDelay = cfg.Executor.RetryBaseDelay
	exec.Retry.MaxDelay = cfg.Executor.RetryMaxDelay

	observer := cloudobserver.New(st, compute, clb, rcv3)

	ctrl := controller.New(st, observer, exec, appLog)
	ctrl.CycleDeadline = cfg.Convergence.CycleDeadline

	memberID := resolveInstanceID(*instanceIDFlag, cfg.Coordination.InstanceID)

	var (
		partitioner coordination.Partitioner
		redisClient *redis.Client
	)
	switch strings.ToLower(*coordinationMode) {
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Coordination.RedisAddr,
			Password: cfg.Coordination.RedisPassword,
			DB:       cfg.Coordination.RedisDB,
		})
		partitioner = coordination.NewRedisPartitioner(redisClient, memberID, cfg.Scheduler.BucketCount, cfg.Coordination.Heartbeat, cfg.Coordination.MemberStaleAfter)
		ctrl.Lock = coordination.NewRedisLock(redisClient, cfg.Coordination.LockTTL)
	default:
		partitioner = coordination.NewSinglePartitioner(cfg.Scheduler.BucketCount)
	}

	evaluator := policyeval.New(st, ctrl, appLog)

	sched := scheduler.New(st, partitioner, evaluator, cfg.Scheduler.BucketCount, appLog)
	sched.Interval = cfg.Scheduler.Interval
	sched.BatchSize = cfg.Scheduler.BatchSize

	checker := opsserver.NewHealthChecker(5 * time.Second)
	checker.Register("store", storeHealthCheck(st))
	if redisClient != nil {
		checker.Register("coordination", redisHealthCheck(redisClient))
	}
	ops := opsserver.New(checker, appLog, "autoscale-controlplane")

	listenAddr := resolveListenAddr(*addr, cfg.Server)
	opsHTTP := &http.Server{Addr: listenAddr, Handler: ops.Handler()}

	rootCtx := context.Background()
	if err := sched.Start(rootCtx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	go func() {
		appLog.WithField("addr", listenAddr).Info("ops server listening")
		if err := opsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Error("ops server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	appLog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("scheduler did not stop cleanly")
	}
	if err := opsHTTP.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("ops server did not shut down cleanly")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

// resolveCloudEndpoints returns the compute/CLB/RCv3 base URLs, preferring
// a parsed service catalog document when CatalogPath is configured.
func resolveCloudEndpoints(cfg config.CloudConfig) (computeURL, clbURL, rcv3URL string, err error) {
	if strings.TrimSpace(cfg.CatalogPath) == "" {
		return cfg.ComputeBaseURL, cfg.CLBBaseURL, cfg.RCv3BaseURL, nil
	}

	document, err := os.ReadFile(cfg.CatalogPath)
	if err != nil {
		return "", "", "", fmt.Errorf("read catalog file %s: %w", cfg.CatalogPath, err)
	}
	cat := catalog.Parse(document)

	computeURL, err = cat.ResolveOne(cfg.ComputeServiceName, "", cfg.Region)
	if err != nil {
		return "", "", "", err
	}
	clbURL, err = cat.ResolveOne(cfg.CLBServiceName, "", cfg.Region)
	if err != nil {
		return "", "", "", err
	}
	rcv3URL, err = cat.ResolveOne(cfg.RCv3ServiceName, "", cfg.Region)
	if err != nil {
		return "", "", "", err
	}
	return computeURL, clbURL, rcv3URL, nil
}

// newCloudRequestFunc composes the pipeline every cloud API call goes
// through up to (but not including) error handling, which the executor
// and observer apply per call site since each endpoint has its own
// success-code set.
func newCloudRequestFunc(client *http.Client, baseURL string, tokens *coordination.TokenCache) httpeffect.RequestFunc {
	return httpeffect.Compose(
		httpeffect.NewHTTPExec(client),
		httpeffect.AddJSONResponse(),
		httpeffect.AddEffectOnResponse([]int{http.StatusUnauthorized}, func(ctx context.Context) {
			tokens.Invalidate()
		}),
		httpeffect.AddEffectfulHeaders(func(ctx context.Context) (map[string]string, error) {
			token, err := tokens.Token()
			if err != nil {
				return nil, err
			}
			return map[string]string{"X-Auth-Token": token, "Accept": "application/json"}, nil
		}),
		httpeffect.AddJSONRequestData(),
		httpeffect.BindRoot(baseURL),
	)
}

func loadOrGenerateAuthKey(path string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	return coordination.ParseRSAPrivateKeyFromPEM(data)
}

func resolveInstanceID(flagValue, configValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if trimmed := strings.TrimSpace(configValue); trimmed != "" {
		return trimmed
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func resolveListenAddr(flagValue string, cfg config.ServerConfig) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

func storeHealthCheck(st store.Store) opsserver.CheckFunc {
	return func(ctx context.Context) opsserver.ComponentHealth {
		if st == nil {
			return opsserver.ComponentHealth{Status: "unhealthy", Message: "store not configured"}
		}
		return opsserver.ComponentHealth{Status: "healthy"}
	}
}

func redisHealthCheck(client *redis.Client) opsserver.CheckFunc {
	return func(ctx context.Context) opsserver.ComponentHealth {
		if err := client.Ping(ctx).Err(); err != nil {
			return opsserver.ComponentHealth{Status: "unhealthy", Message: err.Error()}
		}
		return opsserver.ComponentHealth{Status: "healthy"}
	}
}
