package telemetry

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/core"
)

// Marker tags every telemetry log line so it can be grepped apart from
// limiter and application logs.
const Marker = "RLTELEM"

// Event is one limiter interaction. Events are values; the recorder copies
// HeadersSeen on ingest so later mutation by the caller has no effect.
type Event struct {
	Timestamp       time.Time         `json:"timestamp"`
	BucketKey       core.BucketKey    `json:"bucket_key"`
	Endpoint        string            `json:"endpoint"`
	Status          int               `json:"status"`
	ElapsedMS       float64           `json:"elapsed_ms"`
	Decision        core.Decision     `json:"decision"`
	SleepS          float64           `json:"sleep_s"`
	HeadersSeen     map[string]string `json:"headers_seen"`
	Attempt         int               `json:"attempt"`
	TokensAvailable float64           `json:"tokens_available"`
}

func (e Event) clone() Event {
	if e.HeadersSeen == nil {
		e.HeadersSeen = map[string]string{}
	} else {
		e.HeadersSeen = maps.Clone(e.HeadersSeen)
	}
	return e
}

// JSON renders the event as a single JSON object.
func (e Event) JSON() (string, error) {
	if e.HeadersSeen == nil {
		e.HeadersSeen = map[string]string{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal telemetry event: %w", err)
	}
	return string(data), nil
}

// KeyValue renders the event as space-separated key=value pairs, with
// headers flattened to headers_seen.<name>=value in name order.
func (e Event) KeyValue() string {
	pairs := []string{
		"timestamp=" + e.Timestamp.UTC().Format(time.RFC3339Nano),
		"bucket_key=" + string(e.BucketKey),
		"endpoint=" + e.Endpoint,
		"status=" + strconv.Itoa(e.Status),
		"elapsed_ms=" + formatFloat(e.ElapsedMS),
		"decision=" + string(e.Decision),
		"sleep_s=" + formatFloat(e.SleepS),
	}
	for _, name := range slices.Sorted(maps.Keys(e.HeadersSeen)) {
		pairs = append(pairs, "headers_seen."+name+"="+e.HeadersSeen[name])
	}
	pairs = append(pairs,
		"attempt="+strconv.Itoa(e.Attempt),
		"tokens_available="+formatFloat(e.TokensAvailable),
	)
	return strings.Join(pairs, " ")
}

// Fields returns the event as zap fields for structured logging.
func (e Event) Fields() []zap.Field {
	return []zap.Field{
		zap.String("marker", Marker),
		zap.Time("timestamp", e.Timestamp),
		zap.String("bucket_key", string(e.BucketKey)),
		zap.String("endpoint", e.Endpoint),
		zap.Int("status", e.Status),
		zap.Float64("elapsed_ms", e.ElapsedMS),
		zap.String("decision", string(e.Decision)),
		zap.Float64("sleep_s", e.SleepS),
		zap.Any("headers_seen", e.HeadersSeen),
		zap.Int("attempt", e.Attempt),
		zap.Float64("tokens_available", e.TokensAvailable),
	}
}

// notable reports whether the event is logged at INFO under the default level.
func (e Event) notable() bool {
	switch e.Decision {
	case core.DecisionThrottle, core.DecisionBackoff429, core.DecisionBackoff5xx, core.DecisionAdaptive:
		return true
	}
	return e.Status >= 400
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
