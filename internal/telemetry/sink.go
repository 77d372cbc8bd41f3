package telemetry

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrInvalidSample is returned for samples that fail validation.
var ErrInvalidSample = errors.New("invalid telemetry sample")

// Sample is one client-reported latency measurement.
type Sample struct {
	LatencyMS float64 `json:"latency"`
	MessageID string  `json:"messageId,omitempty"`
	ChatID    string  `json:"chatId,omitempty"`
}

// Sink validates latency samples and writes them to the observability
// backends: a structured log record and the latency histogram.
type Sink struct {
	metrics *Metrics
	log     zerolog.Logger
}

// NewSink creates a sink writing into the given metrics.
func NewSink(metrics *Metrics, logger zerolog.Logger) *Sink {
	return &Sink{
		metrics: metrics,
		log:     logger.With().Str("component", "telemetry").Logger(),
	}
}

// Record validates and records one sample.
func (s *Sink) Record(sample Sample) error {
	if sample.LatencyMS < 0 {
		return ErrInvalidSample
	}

	event := s.log.Info().Float64("latency_ms", sample.LatencyMS)
	if sample.MessageID != "" {
		event = event.Str("message_id", sample.MessageID)
	}
	if sample.ChatID != "" {
		event = event.Str("chat_id", sample.ChatID)
	}
	event.Msg("Client latency sample")

	s.metrics.ClientLatency.Observe(sample.LatencyMS / 1000)
	return nil
}
