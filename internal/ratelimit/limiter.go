// ratelimit реализует admission-контроль входящих запросов двумя
// алгоритмами одновременно: token bucket (сглаживание всплесков) и
// скользящее окно (жёсткий потолок за интервал). Запрос пропускается,
// только если оба алгоритма согласны; состояние изменяется только при
// пропуске, так что отказ никогда не расходует квоту.
//
// Состояние хранится в памяти процесса и сбрасывается при рестарте.
// Ключи создаются лениво и выметаются фоновым свипером после простоя.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/irisanalysis/datalab-gateway/pkg/log"
)

var (
	allowedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_allowed_total",
		Help: "Requests admitted by the rate limiter.",
	}, []string{"purpose"})

	deniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_denied_total",
		Help: "Requests rejected by the rate limiter.",
	}, []string{"purpose"})
)

// Decision — результат проверки лимита; поля идут в заголовки ответа.
type Decision struct {
	// Limit — потолок запросов за окно.
	Limit int
	// Remaining — остаток квоты в текущем окне (после этого запроса,
	// если он пропущен).
	Remaining int
	// RetryAfter — через сколько можно повторить (для отказов).
	RetryAfter time.Duration
	// Reset — момент, когда окно полностью освободится.
	Reset time.Time
}

// entry — состояние одного ключа. Всё под собственным мьютексом:
// глобальная блокировка не удерживается на пути запроса.
type entry struct {
	mu sync.Mutex

	// token bucket
	tokens     float64
	lastRefill time.Time

	// скользящее окно
	window []time.Time

	lastSeen time.Time

	// gone выставляется свипером при удалении из карты; запрос, успевший
	// получить указатель до удаления, обязан перечитать карту, иначе его
	// квота будет учтена на осиротевшем состоянии.
	gone bool
}

// Limiter ограничивает частоту запросов по ключу purpose:clientIP.
type Limiter struct {
	limit  int
	window time.Duration
	rate   float64 // пополнение bucket'а, токенов в секунду

	purpose string

	mu      sync.Mutex // защищает только карту ключей
	entries map[string]*entry

	now func() time.Time // подмена времени в тестах
}

// New создаёт лимитер: limit запросов в скользящем окне window,
// ёмкость token bucket равна limit, скорость пополнения limit/window.
// purpose — метка для метрик и ключей.
func New(purpose string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		rate:    float64(limit) / window.Seconds(),
		purpose: purpose,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow проверяет запрос по ключу. Возвращает решение и признак пропуска.
// Состояние (токен bucket'а и отметка в окне) расходуется только при
// согласии обоих алгоритмов.
func (l *Limiter) Allow(key string) (Decision, bool) {
	now := l.now()

	for {
		e := l.entry(key, now)

		e.mu.Lock()
		if e.gone {
			// Свипер удалил ключ между выборкой из карты и захватом
			// мьютекса — перечитываем карту, чтобы не учесть квоту
			// на осиротевшем состоянии.
			e.mu.Unlock()
			continue
		}

		d, ok := l.admit(e, now)
		e.mu.Unlock()

		if ok {
			allowedTotal.WithLabelValues(l.purpose).Inc()
		} else {
			deniedTotal.WithLabelValues(l.purpose).Inc()
		}

		return d, ok
	}
}

// admit выполняет обе проверки и расходует квоту при пропуске.
// Вызывается под e.mu.
func (l *Limiter) admit(e *entry, now time.Time) (Decision, bool) {
	e.lastSeen = now

	// Пополнение bucket'а по прошедшему времени.
	elapsed := now.Sub(e.lastRefill).Seconds()
	if elapsed > 0 {
		e.tokens = math.Min(float64(l.limit), e.tokens+elapsed*l.rate)
		e.lastRefill = now
	}

	// Выпавшие из окна отметки.
	cutoff := now.Add(-l.window)
	kept := e.window[:0]
	for _, ts := range e.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.window = kept

	bucketOK := e.tokens >= 1
	windowOK := len(e.window) < l.limit

	if bucketOK && windowOK {
		e.tokens--
		e.window = append(e.window, now)

		return Decision{
			Limit:     l.limit,
			Remaining: l.limit - len(e.window),
			Reset:     l.reset(e, now),
		}, true
	}

	return Decision{
		Limit:      l.limit,
		Remaining:  0,
		RetryAfter: l.retryAfter(e, now, bucketOK),
		Reset:      l.reset(e, now),
	}, false
}

// entry возвращает состояние ключа, создавая его при первом обращении.
func (l *Limiter) entry(key string, now time.Time) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{
			tokens:     float64(l.limit),
			lastRefill: now,
			lastSeen:   now,
		}
		l.entries[key] = e
	}

	return e
}

// reset — момент, когда самая старая отметка покинет окно.
// Вызывается под e.mu.
func (l *Limiter) reset(e *entry, now time.Time) time.Time {
	if len(e.window) == 0 {
		return now
	}

	return e.window[0].Add(l.window)
}

// retryAfter оценивает паузу до следующего возможного пропуска.
// Вызывается под e.mu.
func (l *Limiter) retryAfter(e *entry, now time.Time, bucketOK bool) time.Duration {
	var wait time.Duration

	if !bucketOK && l.rate > 0 {
		wait = time.Duration((1 - e.tokens) / l.rate * float64(time.Second))
	}

	if len(e.window) >= l.limit {
		if w := l.reset(e, now).Sub(now); w > wait {
			wait = w
		}
	}

	if wait < time.Second {
		wait = time.Second
	}

	return wait
}

// StartSweeper запускает фоновую горутину, выметающую простаивающие ключи.
// Ключ удаляется, если к нему не обращались дольше retention, его окно
// опустело и bucket успел бы наполниться. Останавливается отменой ctx.
func (l *Limiter) StartSweeper(ctx context.Context, interval, retention time.Duration) {
	go func() {
		lg := log.From(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := l.sweep(l.now(), retention)
				if removed > 0 {
					lg.Debug("ratelimit_sweep",
						slog.String("purpose", l.purpose),
						slog.Int("removed", removed),
					)
				}
			}
		}
	}()
}

// sweep удаляет простаивающие ключи и возвращает их количество.
func (l *Limiter) sweep(now time.Time, retention time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := now.Add(-l.window)

	for key, e := range l.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastSeen) > retention
		empty := len(e.window) == 0 || !e.window[len(e.window)-1].After(cutoff)
		if idle && empty {
			// Пометка и удаление под обоими мьютексами: конкурентный
			// Allow либо увидит gone и перечитает карту, либо уже
			// обновил lastSeen и ключ не считается простаивающим.
			e.gone = true
			delete(l.entries, key)
			removed++
		}
		e.mu.Unlock()
	}

	return removed
}

// Len возвращает число отслеживаемых ключей (для тестов и диагностики).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}
