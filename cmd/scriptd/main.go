// Command scriptd runs the scripting subsystem standalone: the engine
// registry, the EVAL cache, the execution dispatcher, and the debugger's
// RESP-speaking TCP listener.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvforge/scriptd/internal/config"
	"github.com/kvforge/scriptd/internal/metrics"
	"github.com/kvforge/scriptd/internal/scripting/debugger"
	"github.com/kvforge/scriptd/internal/scripting/dispatch"
	"github.com/kvforge/scriptd/internal/scripting/engines/dynamicvm"
	"github.com/kvforge/scriptd/internal/scripting/engines/stackvm"
	"github.com/kvforge/scriptd/internal/scripting/registry"
	"github.com/kvforge/scriptd/pkg/logger"
)

func main() {
	// A re-exec'd debug child never reaches the normal flag/listener setup
	// below: os.Executable() + exec.Command launched it with this env var
	// set (debugger.ForkEnv), and its only job is to run one script to
	// completion while speaking the prompt protocol over stdin/stdout.
	if os.Getenv(debugger.ForkEnv) == debugger.ChildSubcommand {
		if err := runDebuggerChild(); err != nil {
			fmt.Fprintf(os.Stderr, "scriptd debugger child: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scriptd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	engines := registry.NewManager(log)
	if err := engines.RegisterModule(registry.ContractVersion, stackvm.New()); err != nil {
		return fmt.Errorf("register hello engine: %w", err)
	}

	d := dispatch.New(dispatch.Options{Engines: engines, Log: log})

	luaEngine := dynamicvm.New(func(ctx context.Context, args []string) (any, error) {
		return commandHook(d, ctx, args)
	})
	if err := engines.RegisterModule(registry.ContractVersion, luaEngine); err != nil {
		return fmt.Errorf("register lua engine: %w", err)
	}

	addr := getenv("SCRIPTD_ADDR", ":7890")
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.WithField("addr", addr).Info("scripting subsystem listening")

	srv := &server{dispatcher: d, log: log, evalTimeout: cfg.EvalTimeout}
	go srv.acceptLoop(listener)

	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithField("error", err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", metricsAddr).Info("metrics endpoint listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	_ = listener.Close()
	d.Debugger().Runtime().KillAll()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// commandHook is the redis.call/valkey.call extension point wired into the
// lua engine: it routes a script's command invocation back through the
// same dispatcher, so a script calling e.g. EVALSHA recursively still goes
// through the one cache and registry. Only SCRIPT-family introspection is
// supported here; arbitrary data-plane commands (GET/SET/etc.) belong to
// the key/value server this subsystem is embedded in, not this standalone
// binary.
func commandHook(d *dispatch.Dispatcher, ctx context.Context, args []string) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("ERR empty command")
	}
	switch args[0] {
	case "script.exists":
		reply := d.ScriptExists(args[1:])
		return replyToValue(reply), nil
	default:
		return nil, fmt.Errorf("ERR unknown command %q from script context", args[0])
	}
}

func replyToValue(r dispatch.Reply) any {
	switch r.Kind {
	case dispatch.ReplyArray:
		out := make([]any, len(r.Array))
		for i, e := range r.Array {
			out[i] = replyToValue(e)
		}
		return out
	case dispatch.ReplyInteger:
		return r.Int
	case dispatch.ReplyBoolean:
		return r.Bool
	case dispatch.ReplyError:
		return r.Err.Error()
	default:
		return r.Str
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
