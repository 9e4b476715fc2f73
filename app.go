// Package healthsync is the offline-first sync engine and realtime transport
// of the patient app.
//
// Mutations made while offline are queued durably and replayed when the
// device reconnects; reads fall back to a local cache; one realtime
// connection is multiplexed into chat, presence and notification channels.
//
// Example:
//
//	auth := healthsync.NewTokenAuth(tokens, nil)
//	app, _ := healthsync.NewApp(ctx, healthsync.AppOptions{Auth: auth, Online: true})
//	app.Start(ctx)
//	defer app.Dispose()
//
//	room := app.Channels.Chat("room-1")
//	room.OnMessage(func(m healthsync.ChatMessage) { ... })
//	app.SendMessage(ctx, "room-1", "Hello")
package healthsync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AppOptions configures NewApp. Only Auth is required.
type AppOptions struct {
	Config     Config
	Storage    Storage
	Auth       Authenticator
	Dialer     Dialer
	HTTPClient *http.Client
	Executors  map[ActionType]Executor
	// Online is the connectivity before the first observation.
	Online bool
	Logger logrus.FieldLogger
}

// App owns every component and the triggers between them.
type App struct {
	cfg  Config
	auth Authenticator
	log  logrus.FieldLogger

	Network   *NetworkMonitor
	Queue     *Queue
	Cache     *Cache
	Engine    *SyncEngine
	Transport *Transport
	Channels  *ChannelRouter
	API       *APIClient

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	started        bool
	unsubNetwork   func()
	unsubConnect   func()
	reconnectTimer *time.Timer
	wg             sync.WaitGroup
}

// NewApp builds the component graph.
func NewApp(ctx context.Context, opts AppOptions) (*App, error) {
	if opts.Auth == nil {
		return nil, ErrNoCredential
	}
	cfg := opts.Config
	cfg.defaults()
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	if opts.Dialer == nil {
		d := NewWSDialer(cfg.BaseURL, cfg.Transport.URL)
		d.HTTPClient = opts.HTTPClient
		opts.Dialer = d
	}

	apiOpts := []APIOption{WithBaseURL(cfg.BaseURL)}
	if opts.HTTPClient != nil {
		apiOpts = append(apiOpts, WithHTTPClient(opts.HTTPClient))
	}

	a := &App{
		cfg:     cfg,
		auth:    opts.Auth,
		log:     componentLogger(opts.Logger, "app"),
		Network: NewNetworkMonitor(opts.Online, opts.Logger),
		Queue:   NewQueue(ctx, opts.Storage, opts.Logger),
		Cache:   NewCache(opts.Storage, opts.Logger),
		API:     NewAPIClient(opts.Auth, apiOpts...),
	}
	a.Transport = NewTransport(cfg.Transport, opts.Dialer, opts.Auth, opts.Logger)
	a.Channels = NewChannelRouter(a.Transport, opts.Logger)

	executors := opts.Executors
	if executors == nil {
		executors = DefaultExecutors(a.API, a.Transport)
	}
	engine, err := NewSyncEngine(EngineOptions{
		Config:    cfg.Sync,
		Queue:     a.Queue,
		Cache:     a.Cache,
		Storage:   opts.Storage,
		Network:   a.Network,
		Auth:      opts.Auth,
		Executors: executors,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.Engine = engine
	return a, nil
}

// Start wires the connectivity triggers, connects when possible and starts
// the periodic drain.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Unlock()

	a.unsubNetwork = a.Network.Subscribe(a.onConnectivity)
	a.unsubConnect = a.Transport.On(EventConnect, a.onTransportConnect)

	if a.Network.IsOnline() && a.auth.IsAuthenticated() {
		if err := a.Transport.Initialize(a.ctx); err != nil {
			a.log.WithError(err).Warn("initial connect failed")
		}
		a.goSync()
	}

	a.wg.Add(1)
	go a.autoSync()
}

func (a *App) onConnectivity(online bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	if !online || a.ctx.Err() != nil {
		return
	}

	a.goSync()
	// Let the network settle before reconnecting.
	a.reconnectTimer = time.AfterFunc(a.cfg.Sync.ReconnectDelay, func() {
		if a.ctx.Err() != nil || !a.auth.IsAuthenticated() || a.Transport.IsConnected() {
			return
		}
		if err := a.Transport.Initialize(a.ctx); err != nil {
			a.log.WithError(err).Warn("reconnect after coming online failed")
		}
	})
}

// onTransportConnect drains actions that were deferred while the realtime
// link was down.
func (a *App) onTransportConnect(json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil || a.Queue.Len() == 0 {
		return
	}
	a.goSync()
}

func (a *App) goSync() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Engine.Sync(a.ctx)
	}()
}

func (a *App) autoSync() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Sync.AutoSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.Network.IsOnline() && a.Queue.Len() > 0 {
				a.Engine.Sync(a.ctx)
			}
		}
	}
}

// SendMessage sends a chat message now when connected, and queues it when
// offline or when the send fails. It reports whether the message was queued.
func (a *App) SendMessage(ctx context.Context, roomID, text string) (bool, error) {
	req := chatMessageRequest(roomID, text, time.Now())
	if a.Network.IsOnline() && a.Transport.IsConnected() {
		_, err := a.Transport.Emit(ctx, EventChatMessage, req)
		if err == nil {
			return false, nil
		}
		a.log.WithError(err).WithField("room_id", roomID).Info("send failed; queueing message")
	}
	if _, err := a.Engine.QueueAction(ctx, ActionSendMessage, req); err != nil {
		return false, err
	}
	return true, nil
}

// SetAppState forwards a foreground/background transition to the transport.
func (a *App) SetAppState(ctx context.Context, state AppState) error {
	return a.Transport.HandleAppState(ctx, state)
}

// Dispose stops every trigger and tears down the transport.
func (a *App) Dispose() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	a.mu.Unlock()

	if a.unsubNetwork != nil {
		a.unsubNetwork()
	}
	if a.unsubConnect != nil {
		a.unsubConnect()
	}
	a.wg.Wait()
	a.Channels.Close()
	a.Transport.Dispose()
}
