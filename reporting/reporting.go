// Package reporting emits terminal outcome records for processed profiles.
// Outcomes are the only user-visible artifact of the pipeline: exactly one
// accepted/invalid record is produced per run, plus an optional duration
// quantity on acceptance.
package reporting

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

// Outcome classifies the terminal state of a processed unit.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeInvalid  Outcome = "invalid"
)

// Category is the billing category an outcome counts against.
type Category string

const (
	CategoryProfileIndexed  Category = "profile_indexed"
	CategoryProfileChunk    Category = "profile_chunk"
	CategoryProfileDuration Category = "profile_duration"
)

// Invalid-outcome reasons attached by the failing stage.
const (
	ReasonFailedSymbolication = "profiling_failed_symbolication"
	ReasonFailedDeobfuscation = "profiling_failed_deobfuscation"
	ReasonFailedNormalization = "profiling_failed_normalization"
	ReasonFailedInsertion     = "profiling_failed_profile_insertion"
)

// Record is a single outcome event.
type Record struct {
	OrganizationID uint64    `json:"org_id"`
	ProjectID      uint64    `json:"project_id"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Category       Category  `json:"category"`
	Quantity       int64     `json:"quantity"`
	EventID        string    `json:"event_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Reporter is the outcome sink. Implementations must be fire-and-forget:
// the pipeline never blocks a run on outcome delivery.
type Reporter interface {
	Report(ctx context.Context, rec Record)
}

// KafkaReporter publishes outcome records as JSON to an outcomes topic.
type KafkaReporter struct {
	log    logger.Logger
	writer *kafka.Writer
}

func NewKafkaReporter(conf *config.Config, log logger.Logger) *KafkaReporter {
	return &KafkaReporter{
		log: log.Child("reporting"),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(conf.GetStringSlice("Reporting.Kafka.brokers", []string{"localhost:9092"})...),
			Topic:        conf.GetString("Reporting.Kafka.topic", "outcomes"),
			Balancer:     &kafka.Hash{},
			BatchTimeout: conf.GetDuration("Reporting.Kafka.batchTimeout", 100, time.Millisecond),
			Async:        true,
		},
	}
}

func (r *KafkaReporter) Report(ctx context.Context, rec Record) {
	payload, err := jsonrs.Marshal(rec)
	if err != nil {
		r.log.Errorn("marshalling outcome record", logger.NewErrorField(err))
		return
	}
	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.EventID),
		Value: payload,
	})
	if err != nil {
		r.log.Errorn("publishing outcome record", logger.NewErrorField(err))
	}
}

func (r *KafkaReporter) Close() error {
	return r.writer.Close()
}

// MemoryReporter collects outcome records in memory. Used in tests and as a
// drop-in sink when no broker is configured.
type MemoryReporter struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryReporter() *MemoryReporter { return &MemoryReporter{} }

func (r *MemoryReporter) Report(_ context.Context, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of the collected records.
func (r *MemoryReporter) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}
