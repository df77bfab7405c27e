// Command sandbox-server is a reference sandbox service. It accepts
// POST /execute with {"files": {...}} and runs the entry file with python.
//
// Configuration (environment):
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_RUNTIME        - docker or local (default: docker)
//	SANDBOX_IMAGE          - Docker image (default: python:3.12-slim)
//	SANDBOX_IMAGES         - Comma-separated image allowlist (default: python:3.12-slim,python:3.13-slim)
//	SANDBOX_MEMORY         - Docker memory limit (default: 256m)
//	SANDBOX_TIMEOUT        - Max execution time (default: 30s)
//	SANDBOX_NETWORK        - Allow network access (default: false)
//	SANDBOX_INTERPRETER    - Interpreter for the local runtime (default: python3)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_LOG_LEVEL      - debug, info, warn, error (default: info)
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/michaelbrown/flowgate/internal/logging"
	"github.com/michaelbrown/flowgate/internal/sandbox"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("SANDBOX")
	v.AutomaticEnv()
	v.SetDefault("port", 8080)
	v.SetDefault("runtime", "docker")
	v.SetDefault("image", "python:3.12-slim")
	v.SetDefault("memory", "256m")
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("network", false)
	v.SetDefault("interpreter", "python3")
	v.SetDefault("max_concurrent", 3)
	v.SetDefault("log_level", "info")

	logger := logging.New(logging.Config{Level: v.GetString("log_level")})
	defer logger.Sync()

	sb, err := newSandbox(v)
	if err != nil {
		logger.Fatal("configuring sandbox", zap.Error(err))
	}

	port := v.GetInt("port")
	httpSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", port),
		Handler: sandbox.NewHandler(sb, sandbox.HandlerOptions{
			MaxConcurrent: v.GetInt("max_concurrent"),
			Logger:        logger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: v.GetDuration("timeout") + 30*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("sandbox server starting",
			zap.Int("port", port),
			zap.String("runtime", v.GetString("runtime")),
			zap.Int("max_concurrent", v.GetInt("max_concurrent")))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

func newSandbox(v *viper.Viper) (sandbox.Sandbox, error) {
	switch rt := v.GetString("runtime"); rt {
	case "docker":
		policy := sandbox.DefaultPolicy()
		policy.Image = v.GetString("image")
		policy.MaxMemory = v.GetString("memory")
		policy.MaxTimeout = v.GetDuration("timeout")
		policy.Network = v.GetBool("network")
		if list := v.GetString("images"); list != "" {
			policy.Images = nil
			for _, img := range strings.Split(list, ",") {
				if img = strings.TrimSpace(img); img != "" {
					policy.Images = append(policy.Images, img)
				}
			}
		}
		if !policy.IsImageAllowed(policy.Image) {
			return nil, fmt.Errorf("image %q not in allowlist %v", policy.Image, policy.Images)
		}
		return sandbox.NewDockerSandbox(policy), nil
	case "local":
		return &sandbox.LocalSandbox{
			Interpreter: v.GetString("interpreter"),
			Timeout:     v.GetDuration("timeout"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q (want docker or local)", rt)
	}
}
