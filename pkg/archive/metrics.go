package archive

import "github.com/prometheus/client_golang/prometheus"

var (
	ArchiveBatchesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_archive_batches_total",
		Help: "A counter for archive batches by upload result.",
	}, []string{"topic", "result"})

	ArchiveUploadAttemptsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_archive_upload_attempts_total",
		Help: "A counter for archive upload attempts, including retries.",
	}, []string{"topic"})

	ArchiveBufferedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_archive_buffered_messages",
		Help: "A gauge of messages buffered in unsealed archive batches.",
	})
)

func init() {
	prometheus.MustRegister(
		ArchiveBatchesCounter,
		ArchiveUploadAttemptsCounter,
		ArchiveBufferedGauge,
	)
}
