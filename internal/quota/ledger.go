// Package quota ведёт учёт занятого места по пространствам имён.
// Все изменения одного пространства имён проходят под его собственным мьютексом.
// Решения о судьбе конкретного блоба (запись владения, удаление) принимаются под
// блокировкой этого блоба; порядок захвата всегда блоб, затем пространство имён.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/internal/repo"
)

// Limit — потолок для пространства имён. Нулевое поле означает «без ограничения».
type Limit struct {
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`
	MaxFiles int64 `yaml:"max_files" json:"max_files"`
}

// Unlimited сообщает, что ни одно ограничение не задано.
func (l Limit) Unlimited() bool {
	return l.MaxBytes <= 0 && l.MaxFiles <= 0
}

// Exceeded сообщает, превышает ли u хотя бы одно ограничение.
func (l Limit) Exceeded(u Usage) bool {
	return (l.MaxBytes > 0 && u.Bytes > l.MaxBytes) || (l.MaxFiles > 0 && u.Files > l.MaxFiles)
}

// Usage хранит агрегированное потребление пространства имён.
type Usage struct {
	Bytes int64 `json:"bytes"`
	Files int64 `json:"files"`
}

// Ledger — явная структура учёта, передаётся в сервис и ретеншн при сборке.
type Ledger struct {
	catalog repo.Catalog

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	blobs map[string]*blobLock
	usage map[string]Usage
}

type blobLock struct {
	mu   sync.Mutex
	refs int
}

// PresenceFunc сообщает, лежит ли блоб на диске. models.ErrNotFound означает, что нет.
type PresenceFunc func(ctx context.Context, fileID string) error

func NewLedger(catalog repo.Catalog) *Ledger {
	return &Ledger{
		catalog: catalog,
		locks:   map[string]*sync.Mutex{},
		blobs:   map[string]*blobLock{},
		usage:   map[string]Usage{},
	}
}

// lock возвращает (и создаёт при первом обращении) мьютекс пространства имён.
func (l *Ledger) lock(ns string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[ns]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ns] = m
	}

	return m
}

// LockBlob захватывает блокировку блоба и возвращает функцию её снятия.
// Записи карты живут, только пока на них кто-то ссылается.
func (l *Ledger) LockBlob(fileID string) (unlock func()) {
	l.mu.Lock()
	bl, ok := l.blobs[fileID]
	if !ok {
		bl = &blobLock{}
		l.blobs[fileID] = bl
	}
	bl.refs++
	l.mu.Unlock()

	bl.mu.Lock()
	return func() {
		bl.mu.Unlock()
		l.mu.Lock()
		bl.refs--
		if bl.refs == 0 {
			delete(l.blobs, fileID)
		}
		l.mu.Unlock()
	}
}

func (l *Ledger) adjust(ns string, bytes, files int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.usage[ns]
	u.Bytes += bytes
	u.Files += files
	if u.Files <= 0 {
		delete(l.usage, ns)
		return
	}
	l.usage[ns] = u
}

// Load пересчитывает потребление по содержимому каталога.
func (l *Ledger) Load(ctx context.Context) error {
	names, err := l.catalog.Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}

	for _, ns := range names {
		m := l.lock(ns)
		m.Lock()
		entries, err := l.catalog.List(ctx, ns)
		if err != nil {
			m.Unlock()
			return fmt.Errorf("list %s: %w", ns, err)
		}

		var u Usage
		for _, e := range entries {
			u.Bytes += e.Size
			u.Files++
		}
		l.mu.Lock()
		l.usage[ns] = u
		l.mu.Unlock()
		m.Unlock()
	}

	return nil
}

// Charge записывает владение ns блобом rec после успешной записи.
// Повторная загрузка того же блоба тем же пространством имён ничего не добавляет.
func (l *Ledger) Charge(ctx context.Context, ns string, rec models.BlobRecord) error {
	m := l.lock(ns)
	m.Lock()
	defer m.Unlock()

	added, err := l.catalog.Add(ctx, models.OwnershipEntry{
		Namespace: ns,
		FileID:    rec.FileID,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("charge %s: %w", ns, err)
	}
	if added {
		l.adjust(ns, rec.Size, 1)
	}

	return nil
}

// Commit записывает владение ns блобом rec и под блокировкой блоба проверяет, что его
// не удалили между записью на диск и учётом. Если блоба уже нет, владение снимается
// и возвращается models.ErrReclaimed.
func (l *Ledger) Commit(ctx context.Context, ns string, rec models.BlobRecord, present PresenceFunc) error {
	unlock := l.LockBlob(rec.FileID)
	defer unlock()

	if err := l.Charge(ctx, ns, rec); err != nil {
		return err
	}

	err := present(ctx, rec.FileID)
	if err == nil {
		return nil
	}
	if _, rerr := l.release(ctx, ns, rec.FileID); rerr != nil {
		return rerr
	}
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: %s", models.ErrReclaimed, rec.FileID)
	}
	return err
}

// ForgetMissing снимает всех владельцев блоба, если present подтверждает, что блоба нет.
// Возвращает число снятых записей.
func (l *Ledger) ForgetMissing(ctx context.Context, fileID string, present PresenceFunc) (int, error) {
	unlock := l.LockBlob(fileID)
	defer unlock()

	err := present(ctx, fileID)
	if err == nil {
		return 0, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return 0, err
	}

	released, err := l.Forget(ctx, fileID)
	return len(released), err
}

// Entries возвращает записи владения ns, самые старые первыми.
func (l *Ledger) Entries(ctx context.Context, ns string) ([]models.OwnershipEntry, error) {
	return l.catalog.List(ctx, ns)
}

// Forget снимает блоб со всех владельцев и возвращает, с кого он был снят.
func (l *Ledger) Forget(ctx context.Context, fileID string) ([]string, error) {
	owners, err := l.catalog.Owners(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("owners of %s: %w", fileID, err)
	}

	var released []string
	for _, ns := range owners {
		ok, err := l.release(ctx, ns, fileID)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, ns)
		}
	}

	return released, nil
}

func (l *Ledger) release(ctx context.Context, ns, fileID string) (bool, error) {
	m := l.lock(ns)
	m.Lock()
	defer m.Unlock()

	return l.releaseLocked(ctx, ns, fileID)
}

// releaseLocked требует удержания мьютекса ns. Размер берётся из каталога.
func (l *Ledger) releaseLocked(ctx context.Context, ns, fileID string) (bool, error) {
	entries, err := l.catalog.List(ctx, ns)
	if err != nil {
		return false, fmt.Errorf("list %s: %w", ns, err)
	}

	var size int64 = -1
	for _, e := range entries {
		if e.FileID == fileID {
			size = e.Size
			break
		}
	}
	if size < 0 {
		return false, nil
	}

	removed, err := l.catalog.Remove(ctx, ns, fileID)
	if err != nil {
		return false, fmt.Errorf("release %s/%s: %w", ns, fileID, err)
	}
	if removed {
		l.adjust(ns, -size, -1)
	}

	return removed, nil
}

// EvictOver снимает с ns самые старые записи, пока потребление не уложится в limit.
// Возвращает снятые записи; судьбу самих блобов решает вызывающий.
func (l *Ledger) EvictOver(ctx context.Context, ns string, limit Limit) ([]models.OwnershipEntry, error) {
	if limit.Unlimited() {
		return nil, nil
	}

	m := l.lock(ns)
	m.Lock()
	defer m.Unlock()

	entries, err := l.catalog.List(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ns, err)
	}

	var u Usage
	for _, e := range entries {
		u.Bytes += e.Size
		u.Files++
	}

	var evicted []models.OwnershipEntry
	for _, e := range entries {
		if !limit.Exceeded(u) {
			break
		}
		removed, err := l.catalog.Remove(ctx, ns, e.FileID)
		if err != nil {
			return evicted, fmt.Errorf("evict %s/%s: %w", ns, e.FileID, err)
		}
		u.Bytes -= e.Size
		u.Files--
		if removed {
			evicted = append(evicted, e)
		}
	}

	l.mu.Lock()
	if u.Files > 0 {
		l.usage[ns] = u
	} else {
		delete(l.usage, ns)
	}
	l.mu.Unlock()

	return evicted, nil
}

// Owners возвращает текущих владельцев блоба.
func (l *Ledger) Owners(ctx context.Context, fileID string) ([]string, error) {
	return l.catalog.Owners(ctx, fileID)
}

// Usage возвращает учтённое потребление ns.
func (l *Ledger) Usage(ns string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.usage[ns]
}

// Namespaces перечисляет пространства имён, за которыми числится хотя бы один блоб.
func (l *Ledger) Namespaces() []string {
	l.mu.Lock()
	out := make([]string, 0, len(l.usage))
	for ns := range l.usage {
		out = append(out, ns)
	}
	l.mu.Unlock()

	sort.Strings(out)
	return out
}
