package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nraphael/ipywidgets/internal/kernel"
	logs "github.com/nraphael/ipywidgets/internal/logging"
	"github.com/nraphael/ipywidgets/internal/notebook"
	"github.com/nraphael/ipywidgets/internal/widgets"
)

var ErrInvalidHeartbeatInterval = errors.New("daemon: invalid heartbeat interval")

// ServiceConfig configures the widgetd runtime.
type ServiceConfig struct {
	Name           string
	ListenAddr     string
	KernelURL      string
	NotebookPath   string
	SnapshotOnExit bool
	CorsOrigins    []string
	// AdminToken, when set, locks every admin route except /health and
	// /metrics behind the notebook token scheme.
	AdminToken        string
	Bundles           []widgets.ExportBundle
	HeartbeatInterval time.Duration
	Kernel            kernel.Config
}

// Service defaults for a standalone widget daemon.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:              "widgetd",
		ListenAddr:        ":8890",
		HeartbeatInterval: 5 * time.Second,
		Kernel:            kernel.DefaultConfig(),
	}
}

// Service runs the widget registry, the backend session, and the admin
// surface as one process.
type Service struct {
	cfg     ServiceConfig
	manager *widgets.Manager
	client  *kernel.Client

	docMu sync.Mutex
	doc   *notebook.Document

	started time.Time
}

// Service constructor using default runtime config.
func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

// Service constructor using explicit config.
func NewServiceWithConfig(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultServiceConfig().Name
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	cfg.Kernel = cfg.Kernel.WithDefaults()
	return &Service{cfg: cfg, started: time.Now()}
}

// Run blocks until a process signal shuts the daemon down.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

// Manager returns the registry boundary owner.
func (s *Service) Manager() *widgets.Manager {
	return s.manager
}

// bootstrap loads the document, builds the registry, registers export
// bundles, and binds the backend connection.
func (s *Service) bootstrap() error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if err := s.loadDocument(); err != nil {
		return err
	}

	s.manager = widgets.NewManager(widgets.ManagerConfig{
		Document: s.document,
	})
	if err := s.manager.Register(widgets.BaseExports()); err != nil {
		return err
	}
	for _, bundle := range s.cfg.Bundles {
		if err := s.manager.Register(bundle); err != nil {
			return err
		}
	}

	if url := strings.TrimSpace(s.cfg.KernelURL); url != "" {
		client, err := kernel.NewClient(url, s.cfg.Kernel)
		if err != nil {
			return err
		}
		client.OnStatus(s.manager.HandleStatus)
		s.manager.SetConnection(client)
		s.client = client
	}

	logs.Infof(
		"daemon.Service.bootstrap ready name=%q addr=%q kernel=%q notebook=%q bundles=%d",
		s.cfg.Name,
		s.cfg.ListenAddr,
		s.cfg.KernelURL,
		s.cfg.NotebookPath,
		len(s.cfg.Bundles)+1,
	)
	return nil
}

// loadDocument reads the configured notebook; a missing file starts an
// empty document that snapshots can create later.
func (s *Service) loadDocument() error {
	path := strings.TrimSpace(s.cfg.NotebookPath)
	if path == "" {
		return nil
	}
	doc, err := notebook.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logs.Warnf("daemon.Service.loadDocument missing notebook path=%q", path)
			doc = &notebook.Document{NBFormat: 4, NBFormatMinor: 5}
		} else {
			return err
		}
	}
	s.docMu.Lock()
	s.doc = doc
	s.docMu.Unlock()
	return nil
}

func (s *Service) document() *notebook.Document {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.doc
}

// serve runs the admin listener, the backend session loop, and the
// heartbeat until ctx ends.
func (s *Service) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.buildRouter()}
	httpErr := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		httpErr <- err
	}()

	kernelErr := make(chan error, 1)
	if s.client != nil {
		go func() {
			kernelErr <- s.client.Run(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			logs.Infof("daemon.Service.serve shutdown")
			return s.shutdown(srv)
		case err := <-httpErr:
			if err != nil {
				return err
			}
		case err := <-kernelErr:
			if err != nil && ctx.Err() == nil {
				return err
			}
		case <-ticker.C:
			stats := s.manager.Stats()
			logs.Infof(
				"daemon.Service.heartbeat name=%q models=%d live=%d reconciling=%v",
				s.cfg.Name,
				stats.Models,
				stats.Live,
				stats.Reconciling,
			)
		}
	}
}

// shutdown order: persist state while models still exist, then tear the
// registry and listeners down.
func (s *Service) shutdown(srv *http.Server) error {
	s.snapshot()
	s.manager.Dispose()
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			logs.Warnf("daemon.Service.shutdown kernel close err=%v", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Warnf("daemon.Service.shutdown http err=%v", err)
	}
	return nil
}

// snapshot writes the current widget state back into the notebook.
func (s *Service) snapshot() {
	path := strings.TrimSpace(s.cfg.NotebookPath)
	if !s.cfg.SnapshotOnExit || path == "" {
		return
	}
	doc := s.document()
	if doc == nil {
		return
	}
	block, err := s.manager.SnapshotState()
	if err != nil {
		logs.Warnf("daemon.Service.snapshot state err=%v", err)
		return
	}
	if err := doc.SetWidgetState(block); err != nil {
		logs.Warnf("daemon.Service.snapshot metadata err=%v", err)
		return
	}
	if err := doc.Save(path); err != nil {
		logs.Warnf("daemon.Service.snapshot save err=%v", err)
		return
	}
	logs.Infof("daemon.Service.snapshot saved path=%q models=%d", path, len(block.Records()))
}
