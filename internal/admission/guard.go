// Package admission решает, можно ли начинать (и продолжать) запись при текущем
// свободном месте на томе с данными.
package admission

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/sir_venger/databank/internal/models"
)

// Reading — снимок заполненности тома.
type Reading struct {
	Free  int64
	Total int64
}

// StatFunc снимает показания с тома, на котором лежит path.
type StatFunc func(path string) (Reading, error)

// Statfs читает живые показания через statfs(2).
func Statfs(path string) (Reading, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Reading{}, fmt.Errorf("statfs %s: %w", path, err)
	}

	bsize := int64(st.Bsize)
	return Reading{
		Free:  int64(st.Bavail) * bsize,
		Total: int64(st.Blocks) * bsize,
	}, nil
}

// Threshold задаёт минимальный запас свободного места: абсолютный, в процентах от ёмкости или оба сразу.
// Действует больший из двух.
type Threshold struct {
	MinFreeBytes   int64
	MinFreePercent float64
}

// For вычисляет порог в байтах для тома ёмкостью total.
func (t Threshold) For(total int64) int64 {
	limit := t.MinFreeBytes
	if t.MinFreePercent > 0 && total > 0 {
		if p := int64(math.Ceil(float64(total) * t.MinFreePercent / 100)); p > limit {
			limit = p
		}
	}
	if limit < 0 {
		return 0
	}

	return limit
}

// Preflight проверяет запись до первого байта. expected < 0 означает, что размер неизвестен:
// тогда запись допускается условно, если запас есть прямо сейчас.
func Preflight(expected, free, threshold int64) error {
	if expected < 0 {
		expected = 0
	}
	if free-expected < threshold {
		return fmt.Errorf("%w: need %d bytes with %d reserved, %d free",
			models.ErrInsufficientStorage, expected, threshold, free)
	}

	return nil
}

// Midstream делает дешёвую периодическую проверку по уже записанному объёму.
func Midstream(written, free, threshold int64) error {
	if free-written < threshold {
		return fmt.Errorf("%w: %d bytes written, %d free, %d reserved",
			models.ErrInsufficientStorage, written, free, threshold)
	}

	return nil
}

// Guard связывает порог с конкретным каталогом данных.
type Guard struct {
	root      string
	threshold Threshold
	stat      StatFunc
}

// New создаёт Guard. stat == nil означает Statfs.
func New(root string, threshold Threshold, stat StatFunc) *Guard {
	if stat == nil {
		stat = Statfs
	}

	return &Guard{
		root:      root,
		threshold: threshold,
		stat:      stat,
	}
}

// Reading возвращает текущие показания тома.
func (g *Guard) Reading() (Reading, error) {
	return g.stat(g.root)
}

// Healthy сообщает, держится ли том выше порога прямо сейчас.
func (g *Guard) Healthy() (Reading, bool, error) {
	rd, err := g.stat(g.root)
	if err != nil {
		return Reading{}, false, err
	}

	return rd, rd.Free >= g.threshold.For(rd.Total), nil
}

// Admit снимает живые показания и выполняет Preflight. При успехе возвращает Ticket
// для проверок по ходу записи.
func (g *Guard) Admit(expected int64) (*Ticket, error) {
	rd, err := g.stat(g.root)
	if err != nil {
		return nil, err
	}

	threshold := g.threshold.For(rd.Total)
	if err := Preflight(expected, rd.Free, threshold); err != nil {
		return nil, err
	}

	return &Ticket{guard: g, baseline: rd.Free, threshold: threshold}, nil
}

// Ticket — допуск одной записи.
type Ticket struct {
	guard     *Guard
	baseline  int64
	threshold int64
}

// Check повторяет проверку после written записанных байт. За свободное место берётся
// меньшее из baseline и свежего показания (в котором наши байты уже учтены), поэтому
// параллельные писатели тоже видны. Если свежее показание снять не удалось, остаётся baseline.
func (t *Ticket) Check(written int64) error {
	free, threshold := t.baseline, t.threshold
	if rd, err := t.guard.stat(t.guard.root); err == nil {
		threshold = t.guard.threshold.For(rd.Total)
		// Свежее показание уже уменьшено на наши written байт, а Midstream вычитает их сам.
		if rd.Free+written < free {
			free = rd.Free + written
		}
	}

	return Midstream(written, free, threshold)
}
