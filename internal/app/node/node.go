// Package node собирает узел хранения из конфигурации: каталог владельцев, движок блобов,
// менеджер очистки и HTTP-обработчик.
package node

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sir_venger/databank/internal/admission"
	"github.com/sir_venger/databank/internal/app/storagehttp"
	"github.com/sir_venger/databank/internal/blobstore"
	"github.com/sir_venger/databank/internal/config"
	"github.com/sir_venger/databank/internal/logger"
	"github.com/sir_venger/databank/internal/quota"
	"github.com/sir_venger/databank/internal/repo"
	"github.com/sir_venger/databank/internal/retention"
	"github.com/sir_venger/databank/internal/usecase/filesvc"
	"github.com/sir_venger/databank/internal/usecase/filesvc/adapters/fsstore"
)

type Node struct {
	Handler   http.Handler
	Engine    *blobstore.Engine
	Retention *retention.Manager
	Ledger    *quota.Ledger

	catalog repo.Catalog
}

// Build открывает каталог, восстанавливает учёт квот и связывает компоненты.
// extra применяются к движку после настроек из cfg.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger, extra ...blobstore.OptionFunc) (*Node, error) {
	catalog, err := repo.Open(ctx, cfg.CatalogDSN)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	ledger := quota.NewLedger(catalog)
	if err := ledger.Load(ctx); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("load quota ledger: %w", err)
	}

	opts := []blobstore.OptionFunc{
		blobstore.WithGuard(admission.New(cfg.DataRoot, cfg.Threshold(), nil)),
		blobstore.WithMaxFileBytes(cfg.MaxFileBytes),
		blobstore.WithLogger(logger.Component(log, "blobstore")),
	}
	engine, err := blobstore.New(cfg.DataRoot, append(opts, extra...)...)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	manager := retention.New(engine, ledger, retention.Config{
		TTL:          cfg.Retention.TTL,
		Interval:     cfg.Retention.Interval,
		TempTTL:      cfg.Retention.TempTTL,
		DefaultLimit: cfg.Retention.DefaultQuota,
		Limits:       cfg.Retention.Quotas,
	}, retention.WithLogger(logger.Component(log, "retention")))
	engine.SetReclaimer(manager)

	files := filesvc.New(filesvc.Deps{
		Store:  fsstore.New(engine),
		Ledger: ledger,
		Logger: logger.Component(log, "files"),
	})

	handler := storagehttp.New(storagehttp.Deps{
		Files:        files,
		Readiness:    engine,
		Sweeper:      manager,
		Logger:       logger.Component(log, "http"),
		StrictDelete: cfg.DeleteStrict404,
	})

	return &Node{
		Handler:   handler,
		Engine:    engine,
		Retention: manager,
		Ledger:    ledger,
		catalog:   catalog,
	}, nil
}

// Start запускает фоновую очистку; возвращённая функция её останавливает.
func (n *Node) Start(ctx context.Context) func() {
	return n.Retention.Start(ctx)
}

func (n *Node) Close() {
	n.catalog.Close()
}
