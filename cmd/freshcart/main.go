package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"freshcart/internal/auth"
	"freshcart/internal/camera"
	"freshcart/internal/detection"
	"freshcart/internal/images"
	"freshcart/internal/inventory"
	"freshcart/internal/pipeline"
	"freshcart/internal/recommend"
	"freshcart/internal/worker"
	"freshcart/internal/ws"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		httpAddrF  = flag.String("http-addr", ":8080", "HTTP listen address")
		dbPathF    = flag.String("db", "data/freshcart.db", "SQLite database path")
		imageDirF  = flag.String("image-dir", "data/images", "Detection image directory")
		deviceF    = flag.String("device", "", "Local camera device or stream URL (empty: wait for /ws/stream proxy)")
		fpsF       = flag.Int("fps", 15, "Local camera capture rate")
		detectorF  = flag.String("detector", "http://localhost:8000", "Object detection service endpoint")
		scorerF    = flag.String("scorer", "http://localhost:8001", "Freshness assessment service endpoint")
		detectIntF = flag.Duration("detection-interval", 200*time.Millisecond, "Minimum time between detector invocations")
		updateIntF = flag.Duration("update-interval", time.Second, "Per-category debounce window for count updates")
		minConfF   = flag.Float64("min-confidence", 0.5, "Minimum detection confidence")
		rateLimitF = flag.Duration("recommendation-rate-limit", 10*time.Second, "Minimum time between AI matcher invocations")
		maxImagesF = flag.Int("max-images", 3, "Detection images kept per category")
		storeNameF = flag.String("store-name", "FreshCart", "Default store name")
		priceF     = flag.Float64("default-price", 2.99, "Price for newly discovered categories")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[freshcart] ", log.Ltime)
	}

	// Open and migrate the inventory store.
	if err := os.MkdirAll(filepath.Dir(*dbPathF), 0o755); err != nil {
		logger.Fatalf("failed to create data directory: %s", err)
	}
	store, err := inventory.Open(*dbPathF)
	if err != nil {
		logger.Fatalf("failed to open database: %s", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Fatalf("failed to migrate database: %s", err)
	}
	storeID, err := store.EnsureDefaultStore(context.Background(), *storeNameF)
	if err != nil {
		logger.Fatalf("failed to ensure default store: %s", err)
	}
	logger.Printf("using store %d (%s)", storeID, *storeNameF)

	// Initialize the pipeline collaborators.
	var (
		hub          = ws.NewHub()
		bus          = pipeline.NewEventBus()
		bridge       = ws.NewBridge(hub)
		pool         = worker.NewPool(4, 64)
		imageManager = images.NewManager(*imageDirF, *maxImagesF)
		detector     = detection.NewObjectDetector(detection.DetectorConfig{
			ServiceEndpoint:     *detectorF,
			ConfidenceThreshold: *minConfF,
		})
		scorer = detection.NewFreshnessScorer(detection.ScorerConfig{
			ServiceEndpoint: *scorerF,
		})
		crop pipeline.CropFunc = func(frame []byte, box pipeline.BBox) ([]byte, error) {
			return images.Crop(frame, box.X, box.Y, box.Width, box.Height)
		}
		scheduler = pipeline.NewScheduler(detector, scorer, crop, pipeline.SchedulerConfig{
			Interval:      *detectIntF,
			MinConfidence: *minConfF,
		})
		tracker    = pipeline.NewCountTracker(*updateIntF)
		reconciler = inventory.NewReconciler(store, inventory.ReconcilerConfig{
			StoreID:      storeID,
			DefaultPrice: *priceF,
		})
		authenticator = auth.NewAuthenticator()
	)

	unsubscribeBridge := bridge.Attach(bus)
	defer unsubscribeBridge()

	// Gemini-backed matching is optional; without a key the trigger runs
	// preference matching only.
	var matcher recommend.Matcher
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		gemini, err := recommend.NewGeminiMatcher(apiKey, os.Getenv("GEMINI_MODEL"))
		if err != nil {
			logger.Fatalf("failed to create gemini matcher: %s", err)
		}
		defer gemini.Close()
		matcher = gemini
		logger.Println("gemini matcher enabled")
	}

	trigger := recommend.NewTrigger(store, hub, pool, matcher, recommend.TriggerConfig{
		RateLimit: *rateLimitF,
	})
	unsubscribeTrigger := bus.Subscribe(trigger)
	defer unsubscribeTrigger()

	sessions := &sessionManager{
		newStream: func(source pipeline.FrameSource) *pipeline.Stream {
			return pipeline.NewStream(pipeline.StreamDeps{
				Source:    source,
				Scheduler: scheduler,
				Tracker:   tracker,
				Applier:   reconciler,
				Bus:       bus,
				Hub:       hub,
				Images:    imageManager,
				Pool:      pool,
				OnError:   bridge.ReportError,
			}, pipeline.StreamConfig{})
		},
	}

	// A local device runs one long-lived session; otherwise sessions come and
	// go with /ws/stream proxies.
	if *deviceF != "" {
		capture := camera.NewCapture(camera.CaptureConfig{
			Device: *deviceF,
			FPS:    *fpsF,
		})
		session, err := sessions.start(capture)
		if err != nil {
			logger.Fatalf("failed to start camera session: %s", err)
		}
		defer session.Stop()
		logger.Printf("capturing from %s", *deviceF)
	}

	wsHandler := ws.NewHandler(hub, sessions.startRelay, authenticator)

	if authenticator.IsEnabled() {
		logger.Println("authentication enabled")
	} else {
		logger.Println("authentication disabled, websocket endpoints are open")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	srv := &server{
		store:         store,
		hub:           hub,
		ws:            wsHandler,
		authenticator: authenticator,
		detector:      detector,
		scorer:        scorer,
		images:        imageManager,
		sessions:      sessions,
		logger:        logger,
	}
	handleHTTPServer(ctx, *httpAddrF, srv.routes(), &wg, errc, logger)

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	sessions.stopActive()
	pool.Close()
	bus.Close()
	logger.Println("exited")
}

// sessionManager enforces the single-active-session rule across local camera
// captures and relay-backed proxy sessions.
type sessionManager struct {
	newStream func(source pipeline.FrameSource) *pipeline.Stream

	mu      sync.Mutex
	current *activeSession
}

type activeSession struct {
	relay  *camera.Relay
	stream *pipeline.Stream
	mgr    *sessionManager
}

// start opens a session over the given source.
func (m *sessionManager) start(source pipeline.FrameSource) (*activeSession, error) {
	return m.startWith(source, nil)
}

// startRelay is the ws.SessionStarter for remote camera proxies.
func (m *sessionManager) startRelay() (ws.StreamSession, error) {
	relay := camera.NewRelay(5)
	return m.startWith(relay, relay)
}

func (m *sessionManager) startWith(source pipeline.FrameSource, relay *camera.Relay) (*activeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, fmt.Errorf("a stream session is already running")
	}

	stream := m.newStream(source)
	if err := stream.Start(); err != nil {
		return nil, err
	}

	m.current = &activeSession{relay: relay, stream: stream, mgr: m}
	return m.current, nil
}

func (m *sessionManager) release(s *activeSession) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *sessionManager) stopActive() {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

func (m *sessionManager) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Push forwards a proxied JPEG frame into the session. Sessions over a local
// capture ignore pushes.
func (s *activeSession) Push(jpeg []byte) bool {
	if s.relay == nil {
		return false
	}
	return s.relay.Push(jpeg)
}

// Stop tears the session down and frees the slot.
func (s *activeSession) Stop() {
	s.stream.Stop()
	s.mgr.release(s)
}

var _ ws.StreamSession = (*activeSession)(nil)
