// Package byterange переводит значение заголовка Range и известный размер ресурса
// в конкретный отрезок байт. Поддерживается ровно один диапазон: "start-", "start-end" или "-suffix".
package byterange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sir_venger/databank/internal/models"
)

const unitPrefix = "bytes="

// Resolution — отрезок, который нужно отдать клиенту.
// ContentRange пуст для отрезка нулевой длины на пустом ресурсе (ответ 200, а не 206).
type Resolution struct {
	Offset       int64
	Length       int64
	ContentRange string
}

// Partial сообщает, нужно ли отвечать 206.
func (r Resolution) Partial() bool {
	return r.ContentRange != ""
}

// Unsatisfied возвращает значение Content-Range для ответа 416.
func Unsatisfied(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// Resolve разбирает spec относительно total.
// Синтаксические ошибки оборачивают models.ErrMalformedRange, неудовлетворимые диапазоны
// возвращаются как *models.RangeError с полным размером ресурса.
func Resolve(spec string, total int64) (Resolution, error) {
	if total < 0 {
		return Resolution{}, fmt.Errorf("%w: negative size %d", models.ErrValidation, total)
	}

	spec = strings.TrimSpace(spec)
	if len(spec) < len(unitPrefix) || !strings.EqualFold(spec[:len(unitPrefix)], unitPrefix) {
		return Resolution{}, fmt.Errorf("%w: expected %q unit", models.ErrMalformedRange, "bytes")
	}
	body := strings.TrimSpace(spec[len(unitPrefix):])

	// Несколько диапазонов не поддерживаются.
	if strings.Contains(body, ",") {
		return Resolution{}, unsatisfiable(total)
	}

	first, last, ok := strings.Cut(body, "-")
	if !ok {
		return Resolution{}, fmt.Errorf("%w: missing '-' in %q", models.ErrMalformedRange, body)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := parseBound(last)
		if err != nil {
			return Resolution{}, err
		}
		return suffix(n, total)
	}

	start, err := parseBound(first)
	if err != nil {
		return Resolution{}, err
	}

	if last == "" {
		return openEnded(start, total)
	}

	end, err := parseBound(last)
	if err != nil {
		return Resolution{}, err
	}

	return closed(start, end, total)
}

func suffix(n, total int64) (Resolution, error) {
	if n == 0 || total == 0 {
		return Resolution{}, unsatisfiable(total)
	}
	if n >= total {
		return span(0, total-1, total), nil
	}

	return span(total-n, total-1, total), nil
}

func openEnded(start, total int64) (Resolution, error) {
	if total == 0 {
		return Resolution{}, nil
	}
	if start >= total {
		return Resolution{}, unsatisfiable(total)
	}

	return span(start, total-1, total), nil
}

func closed(start, end, total int64) (Resolution, error) {
	if total == 0 || start >= total {
		return Resolution{}, unsatisfiable(total)
	}
	if end > total-1 {
		end = total - 1
	}
	if start > end {
		return Resolution{}, unsatisfiable(total)
	}

	return span(start, end, total), nil
}

func span(start, end, total int64) Resolution {
	return Resolution{
		Offset:       start,
		Length:       end - start + 1,
		ContentRange: fmt.Sprintf("bytes %d-%d/%d", start, end, total),
	}
}

func unsatisfiable(total int64) error {
	return &models.RangeError{Size: total, Err: models.ErrInvalidRange}
}

// parseBound принимает только десятичные цифры: знаки и пробелы внутри числа запрещены.
// Число вне int64 насыщается до math.MaxInt64: конец обрежется по размеру, начало
// окажется за концом ресурса, суффикс охватит весь ресурс.
func parseBound(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty bound", models.ErrMalformedRange)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: bad bound %q", models.ErrMalformedRange, s)
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt64, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: bad bound %q", models.ErrMalformedRange, s)
	}

	return n, nil
}
