package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roasbeef/xosc/internal/build"
	"github.com/roasbeef/xosc/internal/codec"
	"github.com/roasbeef/xosc/internal/kernel"
	"github.com/roasbeef/xosc/internal/naming"
	"github.com/roasbeef/xosc/internal/pool"
	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/transport"
	"github.com/roasbeef/xosc/internal/wire"
)

// Exit codes: 0 clean, 1 unrecoverable, 2 config error, 137 forced
// termination.
const (
	exitClean  = 0
	exitFatal  = 1
	exitConfig = 2
	exitForced = 137
)

var (
	serveAddress       string
	servePublicAddress string
	serveSubPoolIndex  int
	serveNumSubPools   int
	serveWorkers       int
	serveCodec         string
	serveMaxEnvelope   int
	serveHeartbeat     time.Duration
	serveHeartbeatMiss int
	serveGraceful      time.Duration
	serveRestartPolicy string
	serveLogDir        string
	serveLogLevel      string
	serveMaxLogFiles   int
	serveMaxLogSize    int
)

// serveCmd runs a pool: a main process with worker sub-processes, or a
// single worker when --subpool-index is set (the supervisor spawns
// workers this way).
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a pool daemon (or one sub-pool worker)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		os.Exit(runServe())
		return nil
	},
}

func init() {
	flags := serveCmd.Flags()

	flags.StringVar(
		&serveAddress, "address", "tcp://127.0.0.1:17001",
		"Listen address: inproc://name, unix:///path, tcp://host:port",
	)
	flags.StringVar(
		&servePublicAddress, "public-address", "",
		"Externally visible address when it differs from --address "+
			"(worker mode)",
	)
	flags.IntVar(
		&serveSubPoolIndex, "subpool-index", -1,
		"Run as the given sub-pool worker instead of a pool main",
	)
	flags.IntVar(
		&serveNumSubPools, "n-subpools", 0,
		"Number of worker sub-processes to spawn",
	)
	flags.IntVar(
		&serveWorkers, "worker-threads", 0,
		"Handler worker cap (default: CPU count)",
	)
	flags.StringVar(
		&serveCodec, "codec", "json",
		"Default payload codec: raw, json, proto",
	)
	flags.IntVar(
		&serveMaxEnvelope, "max-envelope-bytes",
		wire.DefaultMaxEnvelopeSize,
		"Maximum envelope size in bytes",
	)
	flags.DurationVar(
		&serveHeartbeat, "heartbeat-interval",
		transport.DefaultHeartbeatInterval,
		"Channel heartbeat interval",
	)
	flags.IntVar(
		&serveHeartbeatMiss, "heartbeat-misses",
		transport.DefaultHeartbeatMisses,
		"Missed heartbeats before a channel is declared dead",
	)
	flags.DurationVar(
		&serveGraceful, "graceful-deadline",
		pool.DefaultGracefulDeadline,
		"Drain deadline during pool shutdown",
	)
	flags.StringVar(
		&serveRestartPolicy, "restart-policy", "on_failure",
		"Sub-pool restart policy: on_failure, never",
	)
	flags.StringVar(
		&serveLogDir, "log-dir", "",
		"Directory for rotating log files (empty disables)",
	)
	flags.StringVar(
		&serveLogLevel, "log-level", "info",
		"Log level: trace, debug, info, warn, error",
	)
	flags.IntVar(
		&serveMaxLogFiles, "max-log-files", build.DefaultMaxLogFiles,
		"Rotated log files to keep",
	)
	flags.IntVar(
		&serveMaxLogSize, "max-log-file-size",
		build.DefaultMaxLogFileSize,
		"Log file size in MB before rotation",
	)

	rootCmd.AddCommand(serveCmd)
}

// setupLogging builds the dual-stream btclog handler and wires every
// subsystem logger.
func setupLogging() (btclog.Logger, func(), error) {
	var (
		handlers []btclog.Handler
		cleanup  = func() {}
	)
	handlers = append(handlers, btclog.NewDefaultHandler(os.Stderr))

	if serveLogDir != "" {
		logRotator := build.NewRotatingLogWriter()
		err := logRotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         serveLogDir,
			MaxLogFiles:    serveMaxLogFiles,
			MaxLogFileSize: serveMaxLogSize,
		})
		if err != nil {
			return nil, nil, fmt.Errorf(
				"init log rotator: %w", err,
			)
		}

		handlers = append(
			handlers, btclog.NewDefaultHandler(logRotator),
		)
		cleanup = func() { logRotator.Close() }
	}

	handlerSet := build.NewHandlerSet(handlers...)

	level, ok := btclogv1.LevelFromString(serveLogLevel)
	if !ok {
		cleanup()
		return nil, nil, fmt.Errorf(
			"unknown log level %q", serveLogLevel,
		)
	}
	handlerSet.SetLevel(level)

	logger := btclog.NewSLogger(handlerSet)

	transport.UseLogger(logger.WithPrefix(transport.Subsystem))
	router.UseLogger(logger.WithPrefix(router.Subsystem))
	kernel.UseLogger(logger.WithPrefix(kernel.Subsystem))
	naming.UseLogger(logger.WithPrefix(naming.Subsystem))
	pool.UseLogger(logger.WithPrefix(pool.Subsystem))

	return logger, cleanup, nil
}

// subAddresses derives worker endpoints from the pool base: unix sockets
// get a suffixed path, TCP gets consecutive ports.
func subAddresses(base wire.Address, n int) ([]wire.Address, error) {
	subs := make([]wire.Address, 0, n)

	for i := 0; i < n; i++ {
		switch base.Scheme {
		case wire.SchemeUnix, wire.SchemeInproc:
			sub := base
			sub.Host = fmt.Sprintf("%s.sub%d", base.Host, i)
			subs = append(subs, sub)

		case wire.SchemeTCP:
			host, port, err := splitHostPort(base.Host)
			if err != nil {
				return nil, err
			}

			sub := base
			sub.Host = fmt.Sprintf("%s:%d", host, port+1+i)
			subs = append(subs, sub)

		default:
			return nil, fmt.Errorf(
				"scheme %q cannot host sub-pools",
				base.Scheme,
			)
		}
	}

	return subs, nil
}

func splitHostPort(hostport string) (string, int, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			var port int
			_, err := fmt.Sscanf(hostport[i+1:], "%d", &port)
			if err != nil {
				return "", 0, fmt.Errorf(
					"bad port in %q", hostport,
				)
			}

			return hostport[:i], port, nil
		}
	}

	return "", 0, fmt.Errorf("missing port in %q", hostport)
}

func runServe() int {
	logger, logCleanup, err := setupLogging()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer logCleanup()

	ctx := context.Background()

	localAddr, err := wire.ParseAddress(serveAddress)
	if err != nil {
		logger.Errorf("Bad --address: %v", err)
		return exitConfig
	}

	publicAddr := localAddr
	if servePublicAddress != "" {
		publicAddr, err = wire.ParseAddress(servePublicAddress)
		if err != nil {
			logger.Errorf("Bad --public-address: %v", err)
			return exitConfig
		}
	}

	defaultCodec, err := codec.ByName(serveCodec)
	if err != nil {
		logger.Errorf("Bad --codec: %v", err)
		return exitConfig
	}

	restartPolicy := pool.RestartPolicy(serveRestartPolicy)
	switch restartPolicy {
	case pool.RestartNever, pool.RestartOnFailure:
	default:
		logger.Errorf("Bad --restart-policy %q", serveRestartPolicy)
		return exitConfig
	}

	logger.Infof("xoscd version %s starting: addr=%s public=%s "+
		"subpools=%d", build.Version(), localAddr, publicAddr,
		serveNumSubPools)

	// One router per process. The heartbeat load signal is the
	// kernel's queue depth, read back from pings by the pool main's
	// placement policies; the kernel does not exist yet, so the load
	// function closes over its slot.
	var k *kernel.Kernel
	rt := router.New(router.Config{
		LocalAddress:  localAddr,
		PublicAddress: publicAddr,
		Transport: transport.Config{
			ProcessID:         uuid.NewString(),
			MaxEnvelopeSize:   serveMaxEnvelope,
			HeartbeatInterval: serveHeartbeat,
			HeartbeatMisses:   serveHeartbeatMiss,
			LoadFn: func() int {
				if k == nil {
					return 0
				}

				return k.QueuedEnvelopes()
			},
		},
	})

	k = kernel.New(kernel.Config{
		Router:         rt,
		Workers:        serveWorkers,
		DefaultCodecID: defaultCodec.ID(),
	})

	var sup *pool.Supervisor
	workerMode := serveSubPoolIndex >= 0

	if !workerMode && serveNumSubPools > 0 {
		subs, err := subAddresses(localAddr, serveNumSubPools)
		if err != nil {
			logger.Errorf("Deriving sub-pool addresses: %v", err)
			return exitConfig
		}

		sup = pool.NewSupervisor(pool.Config{
			BaseAddress:  publicAddr,
			SubAddresses: subs,
			Router:       rt,
			Spawner: &pool.ExecSpawner{
				ExtraArgs: []string{
					"--codec", serveCodec,
					"--heartbeat-interval",
					serveHeartbeat.String(),
					"--log-level", serveLogLevel,
				},
			},
			Transport: transport.Config{
				ProcessID:         uuid.NewString(),
				HeartbeatInterval: serveHeartbeat,
				HeartbeatMisses:   serveHeartbeatMiss,
			},
			RestartPolicy:    restartPolicy,
			GracefulDeadline: serveGraceful,
			LocalDirectory: func(uid string) (wire.ActorRef, bool) {
				dir := naming.KernelDirectory{
					Kernel: k, Addr: publicAddr,
				}
				return dir.LookupUID(uid)
			},
		})
		pool.NewDispatcher(rt, k, sup)
	}

	if err := rt.Start(); err != nil {
		logger.Errorf("Router start failed: %v", err)
		return exitFatal
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(
			context.Background(), 10*time.Second,
		)
		defer cancel()
		rt.Stop(stopCtx)
	}()

	if sup != nil {
		if err := sup.Start(ctx); err != nil {
			logger.Errorf("Supervisor start failed: %v", err)
			return exitFatal
		}

		// The pool's index server resolves across sub-pools.
		_, err = naming.RegisterIndexServer(ctx, k, sup)
	} else {
		_, err = naming.RegisterIndexServer(
			ctx, k, &naming.KernelDirectory{
				Kernel: k, Addr: publicAddr,
			},
		)
	}
	if err != nil {
		logger.Errorf("Index server registration failed: %v", err)
		return exitFatal
	}

	// Periodic stats snapshot for operators.
	statsCtx, statsCancel := context.WithCancel(ctx)
	defer statsCancel()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rs, ks := rt.Stats(), k.Stats()
				logger.Debugf("stats: channels=%d pending=%d "+
					"actors=%d queued=%d dead_letters=%d",
					rs.OpenChannels, rs.PendingReplies,
					ks.Actors, ks.QueuedEnvelopes,
					ks.DeadLetters)

			case <-statsCtx.Done():
				return
			}
		}
	}()

	// Block until a signal or a remote pool shutdown; a second signal
	// forces exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var shutdownRequested <-chan struct{}
	if sup != nil {
		shutdownRequested = sup.ShutdownRequested()
	}

	select {
	case sig := <-sigCh:
		logger.Infof("Received %v, shutting down gracefully "+
			"(send again to force exit)", sig)

		go func() {
			<-sigCh
			logger.Criticalf("Forced exit")
			os.Exit(exitForced)
		}()

	case <-shutdownRequested:
		logger.Infof("Pool shutdown control received")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, serveGraceful)
	defer cancel()

	if sup != nil {
		sup.Shutdown(shutdownCtx)
	}
	if err := k.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Kernel shutdown incomplete: %v", err)
		return exitFatal
	}

	logger.Infof("xoscd stopped")

	return exitClean
}
