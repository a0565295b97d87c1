package msgspool

import (
	"context"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgspool/config"
	"github.com/opd-ai/msgspool/messaging"
	"github.com/opd-ai/msgspool/storage"
)

// databaseFile is the bolt database filename inside DataDir.
const databaseFile = "msgspool.db"

// Service bundles a storage backend and the messaging orchestrator
// into one ready-to-run unit. It is the assembly most embedders want;
// callers that need to mix their own store with the orchestrator can
// construct the pieces from the subpackages directly.
type Service struct {
	// Manager is the messaging orchestrator. All message, part,
	// download, and receipt operations go through it.
	Manager *messaging.Manager

	store storage.Store
}

// New creates a service from the configuration. DataDir selects the
// backend: empty runs entirely in memory, anything else opens (creating
// if needed) a bolt database in that directory. lockName identifies
// this instance on claimed rows and must be unique among instances
// sharing a database.
func New(cfg *config.Config, registry *messaging.Registry, lockName string) (*Service, error) {
	var store storage.Store
	if cfg.DataDir == "" {
		store = storage.NewMemoryStore()
	} else {
		bs, err := storage.OpenBolt(filepath.Join(cfg.DataDir, databaseFile))
		if err != nil {
			return nil, err
		}
		store = bs
	}

	mgr, err := messaging.NewManager(cfg, store, registry, lockName)
	if err != nil {
		store.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"lockName":   lockName,
		"persistent": cfg.DataDir != "",
	}).Info("Message spool service created")

	return &Service{Manager: mgr, store: store}, nil
}

// Start runs the crash-recovery sweep and launches the background
// workers. The context bounds the workers' lifetime alongside Close.
func (s *Service) Start(ctx context.Context) error {
	return s.Manager.Start(ctx)
}

// Close stops the background workers, waits for them, and closes the
// store.
func (s *Service) Close() error {
	s.Manager.Stop()
	return s.store.Close()
}
