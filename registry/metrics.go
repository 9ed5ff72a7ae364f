package registry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/did-method-plc/go-diddoc/registry")

var (
	DocumentsCommittedCounter metric.Int64Counter
	DocumentsRejectedCounter  metric.Int64Counter
	HeadSeqGauge              metric.Int64Gauge
	MirrorCursorGauge         metric.Int64Gauge
	FetchedDocsQueueGauge     metric.Int64Gauge
	PendingDocsQueueGauge     metric.Int64Gauge
	ValidatedDocsQueueGauge   metric.Int64Gauge
	InFlightDocsGauge         metric.Int64Gauge
	MirrorStateGauge          metric.Int64Gauge
	LastMirroredDocTsGauge    metric.Int64Gauge
	StreamSubscribersGauge    metric.Int64UpDownCounter
)

var (
	MirrorStateStream    = attribute.String("state", "stream")
	MirrorStatePaginated = attribute.String("state", "paginated")

	RejectSourceAPI    = attribute.String("source", "api")
	RejectSourceMirror = attribute.String("source", "mirror")
)

func init() {
	var err error
	DocumentsCommittedCounter, err = meter.Int64Counter("diddoc_registry_documents_committed",
		metric.WithDescription("Number of documents committed to the store"),
	)
	if err != nil {
		panic(err)
	}
	DocumentsRejectedCounter, err = meter.Int64Counter("diddoc_registry_documents_rejected",
		metric.WithDescription("Number of documents rejected by validation, by source (api or mirror)"),
	)
	if err != nil {
		panic(err)
	}
	HeadSeqGauge, err = meter.Int64Gauge("diddoc_registry_head_seq",
		metric.WithDescription("The most recently committed seq value"),
	)
	if err != nil {
		panic(err)
	}
	MirrorCursorGauge, err = meter.Int64Gauge("diddoc_registry_mirror_cursor",
		metric.WithDescription("The upstream seq value the mirror would resume from"),
	)
	if err != nil {
		panic(err)
	}
	FetchedDocsQueueGauge, err = meter.Int64Gauge("diddoc_registry_fetched_docs_queue",
		metric.WithDescription("Number of items in the fetched docs channel"),
	)
	if err != nil {
		panic(err)
	}
	PendingDocsQueueGauge, err = meter.Int64Gauge("diddoc_registry_pending_docs_queue",
		metric.WithDescription("Number of items in the pending docs channel"),
	)
	if err != nil {
		panic(err)
	}
	ValidatedDocsQueueGauge, err = meter.Int64Gauge("diddoc_registry_validated_docs_queue",
		metric.WithDescription("Number of items in the validated docs channel"),
	)
	if err != nil {
		panic(err)
	}
	InFlightDocsGauge, err = meter.Int64Gauge("diddoc_registry_inflight_docs",
		metric.WithDescription("Number of DIDs between fetch and commit"),
	)
	if err != nil {
		panic(err)
	}
	MirrorStateGauge, err = meter.Int64Gauge("diddoc_registry_mirror_state",
		metric.WithDescription("Current mirror mode: 1 with state attribute (stream or paginated)"),
	)
	if err != nil {
		panic(err)
	}
	LastMirroredDocTsGauge, err = meter.Int64Gauge("diddoc_registry_last_mirrored_doc_ts",
		metric.WithDescription("Unix timestamp of the most recently fetched upstream document"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
	StreamSubscribersGauge, err = meter.Int64UpDownCounter("diddoc_registry_stream_subscribers",
		metric.WithDescription("Number of connected /_stream websocket clients"),
	)
	if err != nil {
		panic(err)
	}
}
