package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/irisanalysis/datalab-gateway/pkg/log"
)

// probeTimeout — бюджет одного health-запроса к сервису.
const probeTimeout = 5 * time.Second

// ServiceHealth — кэшированный результат последней проверки сервиса.
// Сведения носят справочный характер: форвардинг не блокируется и не
// отклоняется по ним.
type ServiceHealth struct {
	Status    string        `json:"status"` // "healthy" | "unhealthy" | "unknown"
	Latency   time.Duration `json:"latency_ms"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HealthPoller периодически опрашивает /health каждого сервиса из реестра
// и кэширует результаты под RWMutex. Блокировка не удерживается на время
// сетевого вызова.
type HealthPoller struct {
	proxy    *Proxy
	interval time.Duration
	client   *http.Client

	mu     sync.RWMutex
	status map[string]ServiceHealth
}

// NewHealthPoller создаёт поллер по реестру прокси.
func NewHealthPoller(p *Proxy, interval time.Duration) *HealthPoller {
	status := make(map[string]ServiceHealth, len(p.registry))
	for name := range p.registry {
		status[name] = ServiceHealth{Status: "unknown"}
	}

	return &HealthPoller{
		proxy:    p,
		interval: interval,
		client:   &http.Client{Timeout: probeTimeout},
		status:   status,
	}
}

// Start запускает цикл опроса; останавливается отменой ctx.
// Первый обход выполняется сразу, не дожидаясь первого тика.
func (hp *HealthPoller) Start(ctx context.Context) {
	go func() {
		hp.pollAll(ctx)

		ticker := time.NewTicker(hp.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hp.pollAll(ctx)
			}
		}
	}()
}

// Health возвращает снимок состояния всех сервисов.
func (hp *HealthPoller) Health() map[string]ServiceHealth {
	hp.mu.RLock()
	defer hp.mu.RUnlock()

	snapshot := make(map[string]ServiceHealth, len(hp.status))
	for name, st := range hp.status {
		snapshot[name] = st
	}

	return snapshot
}

// pollAll опрашивает сервисы последовательно; результаты пишутся в кэш
// по одному, чтобы блокировка не пережила сетевой вызов.
func (hp *HealthPoller) pollAll(ctx context.Context) {
	lg := log.From(ctx)

	for name, base := range hp.proxy.registry {
		st := hp.probe(ctx, base)

		hp.mu.Lock()
		hp.status[name] = st
		hp.mu.Unlock()

		if st.Status != "healthy" {
			lg.Warn("upstream_unhealthy",
				slog.String("service", name),
				slog.String("status", st.Status),
			)
		}
	}
}

// probe выполняет один GET <base>/health.
func (hp *HealthPoller) probe(ctx context.Context, base string) ServiceHealth {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return ServiceHealth{Status: "unhealthy", CheckedAt: start}
	}

	resp, err := hp.client.Do(req)
	if err != nil {
		return ServiceHealth{Status: "unhealthy", Latency: time.Since(start), CheckedAt: start}
	}
	defer resp.Body.Close()

	status := "unhealthy"
	if resp.StatusCode == http.StatusOK {
		status = "healthy"
	}

	return ServiceHealth{Status: status, Latency: time.Since(start), CheckedAt: start}
}
