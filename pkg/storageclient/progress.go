package storageclient

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	progressBarWidth     = 32
	progressRenderPeriod = 120 * time.Millisecond
)

// progressBar рисует однострочный индикатор передачи в out и сам является io.Writer:
// его подключают через io.TeeReader или io.MultiWriter. nil-значение ничего не делает.
type progressBar struct {
	out    io.Writer
	prefix string
	total  int64

	mu       sync.Mutex
	done     int64
	base     int64
	started  time.Time
	drawnAt  time.Time
	width    int
	finished bool
}

// newProgressBar возвращает nil, если вывод прогресса выключен.
func newProgressBar(out io.Writer, prefix string, total int64) *progressBar {
	if out == nil {
		return nil
	}
	return &progressBar{out: out, prefix: prefix, total: total}
}

// Start выставляет уже имеющийся объём (докачка) и сбрасывает отсчёт скорости.
func (p *progressBar) Start(have int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.done, p.base = have, have
	p.started = time.Now()
	p.drawLocked("", false)
}

func (p *progressBar) Write(b []byte) (int, error) {
	if p == nil || len(b) == 0 {
		return len(b), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return len(b), nil
	}
	p.done += int64(len(b))
	if time.Since(p.drawnAt) >= progressRenderPeriod {
		p.drawLocked("", false)
	}
	return len(b), nil
}

func (p *progressBar) Finish() { p.close(" ✓") }

func (p *progressBar) Fail(err error) {
	if err == nil {
		p.close(" ✗")
		return
	}
	p.close(" ✗ " + err.Error())
}

func (p *progressBar) close(status string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.drawLocked(status, true)
}

// drawLocked перерисовывает строку поверх предыдущей, затирая её хвост пробелами.
func (p *progressBar) drawLocked(status string, final bool) {
	line := p.describeLocked() + status
	pad := p.width - len(line)
	if pad < 0 {
		pad = 0
	}
	p.width = len(line)
	p.drawnAt = time.Now()

	end := ""
	if final {
		end = "\n"
	}
	fmt.Fprintf(p.out, "\r%s%s%s", line, strings.Repeat(" ", pad), end)
}

func (p *progressBar) describeLocked() string {
	var b strings.Builder
	b.WriteString(p.prefix)
	b.WriteByte(' ')

	if p.total > 0 {
		pct := p.done * 100 / p.total
		if pct > 100 {
			pct = 100
		}
		filled := int(pct) * progressBarWidth / 100
		fmt.Fprintf(&b, "[%s%s] %3d%% %s/%s",
			strings.Repeat("=", filled), strings.Repeat(" ", progressBarWidth-filled),
			pct, humanBytes(p.done), humanBytes(p.total))
	} else {
		fmt.Fprintf(&b, "%s transferred", humanBytes(p.done))
	}

	if elapsed := time.Since(p.started); !p.started.IsZero() && elapsed > time.Second {
		rate := float64(p.done-p.base) / elapsed.Seconds()
		fmt.Fprintf(&b, " %s/s", humanBytes(int64(rate)))
	}
	return b.String()
}

// humanBytes печатает размер в двоичных единицах: 512 B, 1.5 KB, 3.0 MB.
func humanBytes(v int64) string {
	const units = "KMGTPE"
	if v < 1024 {
		return fmt.Sprintf("%d B", v)
	}
	div, exp := int64(1024), 0
	for n := v / 1024; n >= 1024 && exp < len(units)-1; n /= 1024 {
		div *= 1024
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(v)/float64(div), units[exp])
}
