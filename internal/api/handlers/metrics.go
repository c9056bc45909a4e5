package handlers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// MetricsHandler serves GET /metrics in Prometheus text format. It
// gathers from the default registerer (everything the reload engine and
// the middleware chain register via promauto) under a bounded deadline,
// so a stuck collector cannot wedge a scrape indefinitely.
type MetricsHandler struct {
	gatherer prometheus.Gatherer
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

// NewMetricsHandler constructs a MetricsHandler over the process-wide
// default gatherer.
func NewMetricsHandler(logger *slog.Logger) *MetricsHandler {
	return &MetricsHandler{
		gatherer: prometheus.DefaultGatherer,
		timeout:  5 * time.Second,
		maxBytes: 10 << 20,
		logger:   logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	families, err := h.gather(ctx)
	if err != nil {
		h.logger.Error("metrics gather failed", "error", err)
		status := http.StatusInternalServerError
		if err == context.DeadlineExceeded || err == context.Canceled {
			status = http.StatusRequestTimeout
		}
		http.Error(w, fmt.Sprintf("gathering metrics: %v", err), status)
		return
	}

	var buf bytes.Buffer
	if err := encodeFamilies(&buf, families); err != nil {
		h.logger.Error("metrics encode failed", "error", err)
		http.Error(w, fmt.Sprintf("encoding metrics: %v", err), http.StatusInternalServerError)
		return
	}
	if h.maxBytes > 0 && int64(buf.Len()) > h.maxBytes {
		h.logger.Error("metrics response over size limit", "size", buf.Len(), "limit", h.maxBytes)
		http.Error(w, "metrics response too large", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("metrics response write failed", "error", err)
	}
}

// gather collects metric families, honoring ctx before and after the
// (synchronous) Gather call so a timed-out scrape never writes a body.
func (h *MetricsHandler) gather(ctx context.Context) ([]*dto.MetricFamily, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	families, err := h.gatherer.Gather()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return families, nil
	}
}

func encodeFamilies(buf *bytes.Buffer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return fmt.Errorf("encode family %q: %w", fam.GetName(), err)
		}
	}
	return nil
}
