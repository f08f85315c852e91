// Package retention периодически освобождает место: удаляет блобы старше TTL,
// снимает самые старые записи с пространств имён сверх квоты и подчищает брошенные
// временные файлы. Вытеснение идёт по created_at, без учёта обращений.
package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sir_venger/databank/internal/blobstore"
	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/internal/quota"
)

// Store описывает, что ретеншну нужно от хранилища.
type Store interface {
	Walk(ctx context.Context, fn blobstore.WalkFunc) error
	Head(ctx context.Context, id string) (models.BlobRecord, error)
	Delete(ctx context.Context, id string, strict bool) (bool, error)
	SweepTemp(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config — политика очистки. Нулевые значения отключают соответствующую часть.
type Config struct {
	TTL          time.Duration
	Interval     time.Duration
	TempTTL      time.Duration
	DefaultLimit quota.Limit
	Limits       map[string]quota.Limit
}

func (c Config) limitFor(ns string) quota.Limit {
	if l, ok := c.Limits[ns]; ok {
		return l
	}

	return c.DefaultLimit
}

// Stats — итог одного прохода.
type Stats struct {
	Expired     int `json:"expired"`
	Evicted     int `json:"evicted"`
	Deleted     int `json:"deleted"`
	TempRemoved int `json:"temp_removed"`
	Orphaned    int `json:"orphaned"`
}

// Manager выполняет проходы очистки; одновременно идёт не больше одного.
type Manager struct {
	store  Store
	ledger *quota.Ledger
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	sweepMu sync.Mutex
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(store Store, ledger *quota.Ledger, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start запускает проходы каждые Interval и возвращает функцию остановки.
func (m *Manager) Start(ctx context.Context) func() {
	if m.cfg.Interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
					m.log.Error().Err(err).Msg("retention sweep failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Reclaim запускает внеплановый проход, когда запись упёрлась в нехватку места.
func (m *Manager) Reclaim(ctx context.Context) error {
	_, err := m.Sweep(ctx)
	return err
}

// Sweep выполняет один полный проход.
func (m *Manager) Sweep(ctx context.Context) (Stats, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	started := m.now()
	var st Stats

	if err := m.expire(ctx, &st); err != nil {
		return st, err
	}
	if err := m.enforceQuotas(ctx, &st); err != nil {
		return st, err
	}
	if err := m.reconcile(ctx, &st); err != nil {
		return st, err
	}
	if m.cfg.TempTTL > 0 {
		n, err := m.store.SweepTemp(ctx, m.cfg.TempTTL)
		if err != nil {
			return st, err
		}
		st.TempRemoved = n
	}

	m.log.Info().
		Int("expired", st.Expired).
		Int("evicted", st.Evicted).
		Int("deleted", st.Deleted).
		Int("temp_removed", st.TempRemoved).
		Int("orphaned", st.Orphaned).
		Dur("took", m.now().Sub(started)).
		Msg("retention sweep done")

	return st, nil
}

func (m *Manager) expire(ctx context.Context, st *Stats) error {
	if m.cfg.TTL <= 0 {
		return nil
	}

	cutoff := m.now().Add(-m.cfg.TTL)
	var expired []string
	err := m.store.Walk(ctx, func(rec models.BlobRecord) error {
		if rec.CreatedAt.Before(cutoff) {
			expired = append(expired, rec.FileID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range expired {
		existed, err := m.expireOne(ctx, id)
		if err != nil {
			return err
		}
		// Блоб мог исчезнуть между обходом и удалением.
		if existed {
			st.Expired++
			m.log.Debug().Str("file_id", id).Msg("blob expired")
		}
	}

	return nil
}

func (m *Manager) expireOne(ctx context.Context, id string) (bool, error) {
	unlock := m.ledger.LockBlob(id)
	defer unlock()

	existed, err := m.store.Delete(ctx, id, false)
	if err != nil {
		return false, err
	}
	if _, err := m.ledger.Forget(ctx, id); err != nil {
		return existed, err
	}

	return existed, nil
}

func (m *Manager) enforceQuotas(ctx context.Context, st *Stats) error {
	for _, ns := range m.ledger.Namespaces() {
		evicted, err := m.ledger.EvictOver(ctx, ns, m.cfg.limitFor(ns))
		if err != nil {
			return err
		}
		st.Evicted += len(evicted)

		for _, e := range evicted {
			existed, err := m.dropUnowned(ctx, e.FileID)
			if err != nil {
				return err
			}
			if existed {
				st.Deleted++
			}
			m.log.Debug().Str("namespace", ns).Str("file_id", e.FileID).Bool("deleted", existed).Msg("quota eviction")
		}
	}

	return nil
}

// dropUnowned удаляет блоб, если за ним больше никто не числится.
// Владение и удаление проверяются под одной блокировкой с Ledger.Commit.
func (m *Manager) dropUnowned(ctx context.Context, id string) (bool, error) {
	unlock := m.ledger.LockBlob(id)
	defer unlock()

	owners, err := m.ledger.Owners(ctx, id)
	if err != nil {
		return false, err
	}
	// Блоб общий с другим пространством имён: остаётся на диске.
	if len(owners) > 0 {
		return false, nil
	}

	return m.store.Delete(ctx, id, false)
}

// reconcile снимает записи владения, чьих блобов нет на диске: например, после
// ручного удаления файлов или сбоя между удалением и учётом.
func (m *Manager) reconcile(ctx context.Context, st *Stats) error {
	onDisk := map[string]struct{}{}
	err := m.store.Walk(ctx, func(rec models.BlobRecord) error {
		onDisk[rec.FileID] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}

	present := func(ctx context.Context, id string) error {
		_, err := m.store.Head(ctx, id)
		return err
	}

	for _, ns := range m.ledger.Namespaces() {
		entries, err := m.ledger.Entries(ctx, ns)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, ok := onDisk[e.FileID]; ok {
				continue
			}
			// Обход мог не увидеть блоб, записанный после него; Head под блокировкой решает окончательно.
			n, err := m.ledger.ForgetMissing(ctx, e.FileID, present)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				m.log.Warn().Err(err).Str("file_id", e.FileID).Msg("ownership check failed")
				continue
			}
			if n > 0 {
				st.Orphaned += n
				m.log.Warn().Str("file_id", e.FileID).Int("owners", n).Msg("dropped ownership of missing blob")
			}
		}
	}

	return nil
}
