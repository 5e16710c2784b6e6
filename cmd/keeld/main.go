// Command keeld is the replication daemon: it hosts one or more namespaces
// as either the primary side (serving Hello/LogEntries/Snapshot to
// followers) or the follower side (replicating from an upstream primary),
// according to keeld.yaml.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/keelsql/keel/internal/concurrency"
	"github.com/keelsql/keel/internal/config"
	"github.com/keelsql/keel/internal/framelog"
	"github.com/keelsql/keel/internal/namespace"
	"github.com/keelsql/keel/internal/page"
	"github.com/keelsql/keel/internal/replication/client"
	"github.com/keelsql/keel/internal/replication/injector"
	"github.com/keelsql/keel/internal/replication/primary"
	"github.com/keelsql/keel/internal/rpc"
	"github.com/keelsql/keel/internal/snapshot"
	"github.com/keelsql/keel/internal/telemetry"
)

var (
	flagConfig = flag.String("config", "keeld.yaml", "path to keeld.yaml")
	flagGRPC   = flag.String("grpc", "", "override listen_grpc from the config file")
	flagHTTP   = flag.String("http", "", "override listen_http from the config file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keeld: %v\n", err)
		os.Exit(1)
	}
	if *flagGRPC != "" {
		cfg.ListenGRPC = *flagGRPC
	}
	if *flagHTTP != "" {
		cfg.ListenHTTP = *flagHTTP
	}

	logger := telemetry.NewLogger("keeld", telemetry.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("keeld exited")
	}
}

// namespaceHandle is what the registry hands back from Open: the open
// page store and frame log. Closing it releases every file handle the
// namespace holds.
type namespaceHandle struct {
	store *page.Store
	log   *framelog.Log
}

func (h *namespaceHandle) Close() error {
	logErr := h.log.Close()
	storeErr := h.store.Close()
	if logErr != nil {
		return logErr
	}
	return storeErr
}

// compactionTarget bundles what the sweep's rotation nudge needs for one
// primary namespace: somewhere to put the frozen frame log, the page store
// to read the post-rotation page count from, and the Compactor that turns
// an archived log into a snapshot.
type compactionTarget struct {
	dir       string
	store     *page.Store
	compactor *snapshot.Compactor
}

func run(cfg config.Config, logger zerolog.Logger) error {
	encoding.RegisterCodec(rpc.Codec)

	meta, err := namespace.OpenMetaStore(filepath.Join(cfg.DataDir, "registry.bbolt"))
	if err != nil {
		return fmt.Errorf("keeld: open meta store: %w", err)
	}
	defer meta.Close()

	registry, err := namespace.New(logger.With().Str("component", "registry").Logger(), meta)
	if err != nil {
		return fmt.Errorf("keeld: build registry: %w", err)
	}

	mux := primary.NewMultiplexer()
	followers := make(map[string]*client.Client)
	compactions := make(map[string]*compactionTarget)
	pool := concurrency.NewPool(2)

	entries, err := os.ReadDir(cfg.DataDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keeld: scan data dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if err := openNamespace(cfg, logger, registry, mux, followers, compactions, name); err != nil {
			logger.Error().Err(err).Str("namespace", name).Msg("failed to open namespace at startup")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for name, fc := range followers {
		fc := fc
		name := name
		go func() {
			if err := fc.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("namespace", name).Msg("follower replication stopped")
			}
		}()
	}

	rotateThresholdFrames := uint64(0)
	if cfg.Namespace.PageSize > 0 {
		rotateThresholdFrames = (cfg.Namespace.RotateThresholdMB * 1024 * 1024) / uint64(cfg.Namespace.PageSize)
	}

	sweeper := namespace.NewSweeper(registry, logger.With().Str("component", "sweep").Logger(),
		func(name string) (bool, error) {
			svc := mux.Service(name)
			if svc == nil {
				return false, nil
			}
			return svc.Idle(), nil
		},
		func(name string) (bool, error) {
			svc := mux.Service(name)
			if svc == nil || rotateThresholdFrames == 0 {
				return false, nil
			}
			return svc.FrameLogFrameCount() >= rotateThresholdFrames, nil
		},
		func(name string) error {
			return rotateAndCompact(ctx, logger, mux, compactions, pool, name)
		},
	)
	if err := sweeper.Start(cfg.Namespace.SweepInterval); err != nil {
		return fmt.Errorf("keeld: start sweep: %w", err)
	}
	defer sweeper.Stop()

	grpcServer := grpc.NewServer(
		rpc.ChainUnary(rpc.SessionUnaryInterceptor(mux.ValidateSession)),
		rpc.ChainStream(rpc.SessionStreamInterceptor(mux.ValidateSession)),
	)
	rpc.RegisterReplicationServer(grpcServer, mux)

	lis, err := net.Listen("tcp", cfg.ListenGRPC)
	if err != nil {
		return fmt.Errorf("keeld: grpc listen: %w", err)
	}
	go func() {
		logger.Info().Str("addr", cfg.ListenGRPC).Msg("grpc listening")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc serve error")
		}
	}()
	defer grpcServer.GracefulStop()

	httpServer := &http.Server{
		Addr:    cfg.ListenHTTP,
		Handler: adminHandler(cfg, logger, registry, mux, meta, compactions),
	}
	go func() {
		logger.Info().Str("addr", cfg.ListenHTTP).Msg("http status listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http serve error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	for _, err := range registry.DrainAll() {
		logger.Warn().Err(err).Msg("error draining namespace")
	}
	return nil
}

// rotateAndCompact freezes name's active frame log and turns the frozen
// segment into a snapshot, offloading the compaction's disk-bound scan onto
// the shared worker pool so the sweep's cron goroutine never blocks on it.
func rotateAndCompact(ctx context.Context, logger zerolog.Logger, mux *primary.Multiplexer, compactions map[string]*compactionTarget, pool *concurrency.Pool, name string) error {
	svc := mux.Service(name)
	target, ok := compactions[name]
	if svc == nil || !ok {
		return nil
	}

	archivePath := filepath.Join(target.dir, fmt.Sprintf("archive-%s", name))
	archive, err := svc.Rotate(archivePath)
	if err != nil {
		return fmt.Errorf("keeld: rotate %s: %w", name, err)
	}

	dbSizePages := uint32(target.store.PageCount())
	result := <-concurrency.Offload(ctx, pool, func(ctx context.Context) (snapshot.Meta, error) {
		defer archive.Close()
		meta, compacted, err := target.compactor.Compact(ctx, archive, dbSizePages)
		if err != nil || !compacted {
			return meta, err
		}
		return meta, nil
	})
	if result.Err != nil {
		return fmt.Errorf("keeld: compact %s: %w", name, result.Err)
	}
	// The snapshot now holds every page the archive contributed; the raw
	// archive file has no further use and would otherwise grow unbounded
	// across repeated rotations of the same namespace.
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("namespace", name).Msg("failed to remove compacted archive file")
	}
	if result.Value.PageCount > 0 {
		logger.Info().Str("namespace", name).Uint32("page_count", result.Value.PageCount).
			Msg("rotated frame log and compacted archive into a snapshot")
	}
	return nil
}

// openNamespace opens one namespace's on-disk state and wires it into
// either the primary Multiplexer or the follower pool, according to
// cfg.Role.
func openNamespace(cfg config.Config, logger zerolog.Logger, registry *namespace.Registry, mux *primary.Multiplexer, followers map[string]*client.Client, compactions map[string]*compactionTarget, name string) error {
	dir := filepath.Join(cfg.DataDir, name)

	handle, err := registry.Open(name, func(name string) (namespace.Handle, error) {
		store, err := page.Open(page.Config{Path: filepath.Join(dir, "db"), PageSize: cfg.Namespace.PageSize})
		if err != nil {
			return nil, fmt.Errorf("open page store: %w", err)
		}
		log, err := framelog.Open(filepath.Join(dir, "frames"), uint32(store.PageSize()), store.DatabaseUUID())
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open frame log: %w", err)
		}
		return &namespaceHandle{store: store, log: log}, nil
	})
	if err != nil {
		return err
	}
	nh := handle.(*namespaceHandle)

	switch cfg.Role {
	case "primary":
		snapDir := filepath.Join(dir, "snapshots")
		store, err := snapshot.NewFileStore(snapDir)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		svc := primary.New(name, nh.store.DatabaseUUID(), nh.log, store, func() uint64 { return registry.Generation(name) },
			logger.With().Str("component", "primary").Str("namespace", name).Logger())
		mux.Add(name, svc)

		compactor := snapshot.NewCompactor(store, logger.With().Str("component", "compactor").Str("namespace", name).Logger())
		if metas, err := store.List(context.Background(), nh.store.DatabaseUUID()); err == nil {
			if _, err := compactor.ReconcileOverlaps(context.Background(), metas); err != nil {
				logger.Warn().Err(err).Str("namespace", name).Msg("failed to reconcile overlapping snapshots at startup")
			}
		}
		compactions[name] = &compactionTarget{dir: dir, store: nh.store, compactor: compactor}
	case "follower":
		watermarkPath := filepath.Join(dir, "client_wal_index")
		inj := injector.New(nh.store, nh.log, watermarkPath,
			logger.With().Str("component", "injector").Str("namespace", name).Logger())
		fc := client.New(client.Config{Namespace: name, UpstreamAddr: cfg.UpstreamAddr}, inj,
			logger.With().Str("component", "client").Str("namespace", name).Logger())
		followers[name] = fc
	}
	return nil
}

type namespaceRequest struct {
	Name string `json:"name"`
}

// adminHandler is keeld's admin HTTP surface: namespace create/delete/list
// backing cmd/keelctl, plus the /status endpoint reporting per-namespace
// replication state. It follows the teacher's handleStatus/writeJSON
// shape — a plain net/http.ServeMux, no router dependency.
func adminHandler(cfg config.Config, logger zerolog.Logger, registry *namespace.Registry, mux *primary.Multiplexer, meta *namespace.MetaStore, compactions map[string]*compactionTarget) http.Handler {
	h := http.NewServeMux()

	h.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		names := mux.Namespaces()
		status := make(map[string]any, len(names))
		for _, name := range names {
			svc := mux.Service(name)
			status[name] = map[string]any{
				"generation":         registry.Generation(name),
				"connected_replicas": svc.ConnectedReplicas(),
				"idle":               svc.Idle(),
			}
		}
		writeJSON(w, map[string]any{
			"ok":         true,
			"time":       time.Now().Format(time.RFC3339),
			"role":       cfg.Role,
			"namespaces": status,
		})
	})

	h.HandleFunc("/api/namespace/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"namespaces": mux.Namespaces()})
	})

	h.HandleFunc("/api/namespace/create", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req namespaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			http.Error(w, "invalid request: name is required", http.StatusBadRequest)
			return
		}
		followers := make(map[string]*client.Client) // admin-created namespaces are opened here, follower role unsupported over this endpoint
		if err := openNamespace(cfg, logger, registry, mux, followers, compactions, req.Name); err != nil {
			writeJSON(w, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, map[string]any{"ok": true, "name": req.Name})
	})

	h.HandleFunc("/api/namespace/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req namespaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			http.Error(w, "invalid request: name is required", http.StatusBadRequest)
			return
		}
		mux.Remove(req.Name)
		delete(compactions, req.Name)
		if err := registry.Close(req.Name); err != nil {
			writeJSON(w, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		if err := meta.DeleteNamespace(req.Name); err != nil {
			logger.Warn().Err(err).Str("namespace", req.Name).Msg("failed to delete persisted namespace bookkeeping")
		}
		if err := os.RemoveAll(filepath.Join(cfg.DataDir, req.Name)); err != nil {
			writeJSON(w, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, map[string]any{"ok": true, "name": req.Name})
	})

	return h
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
