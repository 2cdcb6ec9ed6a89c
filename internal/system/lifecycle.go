package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/api/grpcapi"
	"github.com/XavSPM/RevpiEpics/internal/api/rest"
	"github.com/XavSPM/RevpiEpics/internal/api/websocket"
	"github.com/XavSPM/RevpiEpics/internal/auth"
	"github.com/XavSPM/RevpiEpics/internal/bindings"
	"github.com/XavSPM/RevpiEpics/internal/bridge"
	"github.com/XavSPM/RevpiEpics/internal/config"
	"github.com/XavSPM/RevpiEpics/internal/interfaces"
	"github.com/XavSPM/RevpiEpics/internal/mapping"
	"github.com/XavSPM/RevpiEpics/internal/publish"
	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/storage"
	"github.com/XavSPM/RevpiEpics/internal/tasks"
	"github.com/XavSPM/RevpiEpics/internal/types"
	"go.uber.org/zap"
)

const eventBuffer = 256

// TaskFunc is a loop task of a program embedding the bridge. It reaches the
// process image through io.
type TaskFunc func(io bridge.IO) error

type queuedTask struct {
	name string
	fn   TaskFunc
}

type LifecycleManager struct {
	config  *config.Config
	storage *storage.PostgresClient
	logger  *zap.Logger
	level   zap.AtomicLevel

	records *record.SoftIOC
	bridge  *bridge.Bridge
	loader  *bindings.Loader
	tokens  *auth.TokenService
	wsHub   *websocket.Hub

	dispatcher *publish.Dispatcher
	restServer *rest.Server
	grpcServer *grpcapi.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error
	startedAt    time.Time

	tasksMu sync.Mutex
	queued  []queuedTask

	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewLifecycleManager opens the process image and wires the bridge. store
// may be nil when persistence is disabled. level is switched to debug when
// the bridge is initialised with debug enabled.
func NewLifecycleManager(
	store *storage.PostgresClient,
	cfg *config.Config,
	logger *zap.Logger,
	level zap.AtomicLevel,
) (*LifecycleManager, error) {
	img, err := openImage(cfg.Image)
	if err != nil {
		return nil, err
	}

	loader, err := bindings.NewLoader()
	if err != nil {
		img.Close()
		return nil, err
	}

	records := record.NewSoftIOC(logger.Named("ioc"))
	b := bridge.New(img, records, logger.Named("bridge"), bridge.WithLogLevel(level))
	tokens := auth.NewTokenService(cfg.Auth.GetJWTSecret(), cfg.Auth.TokenTTL)

	return &LifecycleManager{
		config:       cfg,
		storage:      store,
		logger:       logger,
		level:        level,
		records:      records,
		bridge:       b,
		loader:       loader,
		tokens:       tokens,
		wsHub:        websocket.NewHub(logger.Named("ws"), tokens),
		currentState: StateInitializing,
	}, nil
}

// Start initialises the bridge, restores bindings, connects the publishers,
// opens the API servers and, with autostart, starts the sync loop.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting RevPi EPICS bridge")
	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()

	if err := lm.bridge.Init(bridge.InitOptions{
		CyclePeriod: lm.config.Bridge.CyclePeriod(),
		ResetOnExit: lm.config.Bridge.ResetOnExit,
		Debug:       lm.config.Bridge.Debug,
		AutoPrefix:  lm.config.Bridge.AutoPrefix,
		StopTimeout: lm.config.Bridge.StopTimeout,
	}); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to initialise bridge: %w", err)
	}

	if err := lm.applyTasks(); err != nil {
		lm.setError(err)
		return err
	}

	if lm.storage != nil {
		if err := lm.storage.EnsureSchema(ctx); err != nil {
			lm.setError(err)
			return err
		}
	}

	if err := lm.loadBindings(ctx); err != nil {
		lm.setError(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	lm.grpcServer = grpcapi.NewServer(lm.records, lm.logger.Named("grpc"))
	lm.startPublishers(runCtx)
	lm.watchBridge(runCtx)

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	if lm.config.Bridge.Autostart {
		if err := lm.bridge.Start(); err != nil {
			lm.setError(err)
			return fmt.Errorf("failed to start bridge: %w", err)
		}
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("mappings", len(lm.bridge.Mappings())),
		zap.Int("publishers", lm.dispatcher.Len()))

	return nil
}

// AddTask registers a loop task. Before Start the task is queued and added
// once the bridge is initialised, so it already runs in the first cycle of
// an autostarted bridge.
func (lm *LifecycleManager) AddTask(name string, fn TaskFunc) error {
	lm.tasksMu.Lock()
	defer lm.tasksMu.Unlock()

	if lm.bridge.State() != bridge.StateUninitialized {
		return lm.bridge.AddTask(name, lm.bindTask(fn))
	}

	for _, q := range lm.queued {
		if q.name == name {
			return fmt.Errorf("%w: %s", tasks.ErrTaskExists, name)
		}
	}
	lm.queued = append(lm.queued, queuedTask{name: name, fn: fn})
	return nil
}

func (lm *LifecycleManager) applyTasks() error {
	lm.tasksMu.Lock()
	defer lm.tasksMu.Unlock()

	for _, q := range lm.queued {
		if err := lm.bridge.AddTask(q.name, lm.bindTask(q.fn)); err != nil {
			return fmt.Errorf("failed to add task %s: %w", q.name, err)
		}
	}
	if len(lm.queued) > 0 {
		lm.logger.Info("Loop tasks registered", zap.Int("count", len(lm.queued)))
	}
	lm.queued = nil
	return nil
}

func (lm *LifecycleManager) bindTask(fn TaskFunc) func() error {
	io := lm.bridge.IO()
	return func() error { return fn(io) }
}

// loadBindings applies the bindings file first, then the stored bindings.
// A binding that fails is logged and skipped; a bad file aborts startup.
func (lm *LifecycleManager) loadBindings(ctx context.Context) error {
	var defs []types.BindingDefinition

	if path := lm.config.BindingsFile; path != "" {
		fileDefs, err := lm.loader.Load(path)
		if err != nil {
			return err
		}
		lm.logger.Info("Bindings file loaded", zap.String("path", path), zap.Int("count", len(fileDefs)))
		defs = append(defs, fileDefs...)
	}

	if lm.storage != nil {
		stored, err := lm.storage.LoadBindings(ctx)
		if err != nil {
			lm.logger.Warn("Failed to load bindings from database", zap.Error(err))
		} else {
			lm.logger.Info("Loading bindings from database", zap.Int("count", len(stored)))
			defs = append(defs, stored...)
		}
	}

	for _, def := range defs {
		_, err := lm.bridge.Bind(def.IOName, bridge.BindOptions{
			PVName:    def.PVName,
			DriveLow:  def.DriveLow,
			DriveHigh: def.DriveHigh,
			Fields:    def.Fields,
		})
		switch {
		case err == nil:
		case errors.Is(err, mapping.ErrIONameTaken):
			lm.logger.Debug("Binding already applied", zap.String("io", def.IOName))
		default:
			lm.logger.Error("Failed to bind I/O point",
				zap.String("binding", def.String()),
				zap.Error(err))
		}
	}

	return nil
}

func (lm *LifecycleManager) startPublishers(ctx context.Context) {
	publishers := []publish.Publisher{lm.wsHub}

	if cfg := lm.config.MQTT; cfg.Enabled {
		p, err := publish.NewMQTTPublisher(publish.MQTTOptions{
			Broker:      cfg.Broker,
			ClientID:    cfg.ClientID,
			TopicPrefix: cfg.TopicPrefix,
			QoS:         cfg.QoS,
			Retained:    cfg.Retained,
		}, lm.logger.Named("mqtt"))
		if err != nil {
			lm.logger.Warn("MQTT publisher disabled", zap.Error(err))
		} else {
			publishers = append(publishers, p)
		}
	}

	if cfg := lm.config.Redis; cfg.Enabled {
		p, err := publish.NewRedisPublisher(publish.RedisOptions{
			Addr:      cfg.Addr,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
			Channel:   cfg.Channel,
		})
		if err != nil {
			lm.logger.Warn("Redis publisher disabled", zap.Error(err))
		} else {
			publishers = append(publishers, p)
		}
	}

	lm.dispatcher = publish.NewDispatcher(lm.logger.Named("publish"), time.Second, publishers...)

	go lm.wsHub.Run()

	events, unsubscribe := lm.records.Subscribe(eventBuffer)
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		defer unsubscribe()
		lm.dispatcher.Run(ctx, events)
	}()
}

// watchBridge mirrors bridge state changes to websocket clients and the
// gRPC health service.
func (lm *LifecycleManager) watchBridge(ctx context.Context) {
	statuses, unsubscribe := lm.bridge.SubscribeStatus(16)
	lm.grpcServer.SetServing(lm.bridge.State() == bridge.StateRunning)

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-statuses:
				if !ok {
					return
				}
				lm.grpcServer.SetServing(st.State == bridge.StateRunning)
				lm.wsHub.Broadcast(websocket.NewBridgeStatusMessage(st))
				if st.LastError != "" && st.State == bridge.StateStopped {
					lm.logger.Error("Bridge stopped after a cycle failure",
						zap.String("error", st.LastError))
				}
			}
		}
	}()
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm, lm.logger.Named("rest"), lm.wsHub, lm.tokens)
	return lm.restServer.Start()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. API servers, so no new writes arrive
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	if lm.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("grpc shutdown: %w", ctx.Err()))
		}
	}

	// 2. Bridge: stops the loop, resets outputs, removes records
	if err := lm.bridge.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bridge close failed: %w", err))
	}

	// 3. Background loops and publishers
	if lm.cancel != nil {
		lm.cancel()
	}

	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}

	if lm.dispatcher != nil {
		if err := lm.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close failed: %w", err))
		}
	} else {
		lm.wsHub.Close()
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastErr = err
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	started := lm.startedAt
	lm.stateMu.RUnlock()

	publishers := 0
	if lm.dispatcher != nil {
		publishers = lm.dispatcher.Len()
	}

	st := interfaces.SystemStatus{
		State:       state.String(),
		Bridge:      lm.bridge.Status(),
		Records:     len(lm.records.Records()),
		Publishers:  publishers,
		Persistence: lm.storage != nil,
	}
	if !started.IsZero() {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	return st
}

func (lm *LifecycleManager) Config() *config.Config           { return lm.config }
func (lm *LifecycleManager) Bridge() *bridge.Bridge           { return lm.bridge }
func (lm *LifecycleManager) Records() *record.SoftIOC         { return lm.records }
func (lm *LifecycleManager) Storage() *storage.PostgresClient { return lm.storage }
func (lm *LifecycleManager) Validator() *bindings.Validator   { return lm.loader.Validator() }
func (lm *LifecycleManager) Tokens() *auth.TokenService       { return lm.tokens }
