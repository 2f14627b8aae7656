// Package producer publishes synthetic wind-turbine sensor records.
package producer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	QualityPassed        = "Passed"
	QualityActionNeeded  = "Action Needed"
	ToolStatusRunning    = "running"
	DefaultInterval      = 10 * time.Second
	timestampLayout      = "2006-01-02 15:04:05.000000"
	recommendedNone      = "None"
	recommendedMonitor   = "Monitor power output"
	environmentOK        = "OK"
	environmentThreshold = "Output is higher than threshold"
)

// Advice is the operator guidance attached to a quality-control result.
type Advice struct {
	SiteEnvironment   string `json:"Site Environment"`
	RecommendedAction string `json:"Recommended Action"`
}

type OperatingParameters struct {
	QualityControl string            `json:"quality_control"`
	ToolStatus     string            `json:"tool_status"`
	Message        map[string]Advice `json:"message"`
}

type SensorData struct {
	PowerCurve    string `json:"power_curve"`
	LVActivePower string `json:"lv_activepower"`
	WindSpeed     string `json:"wind_speed"`
	WindDirection string `json:"wind_direction"`
}

// Record is one synthetic reading.
type Record struct {
	Timestamp           string              `json:"timestamp"`
	OperatingParameters OperatingParameters `json:"Operating Parameters"`
	SensorData          SensorData          `json:"Sensor Data"`
}

// Publisher is where generated records go: the broker itself or a transport
// that feeds it.
type Publisher interface {
	Publish(topic string, payload []byte) (int, error)
}

type Generator struct {
	rand *rand.Rand
	now  func() time.Time
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{
		rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:  time.Now,
	}
}

func (g *Generator) uniform(low, high float64) float64 {
	return low + g.rand.Float64()*(high-low)
}

func (g *Generator) Generate() Record {
	params := OperatingParameters{
		QualityControl: QualityPassed,
		ToolStatus:     ToolStatusRunning,
		Message: map[string]Advice{
			"Job continues": {
				SiteEnvironment:   environmentOK,
				RecommendedAction: recommendedNone,
			},
		},
	}

	if g.rand.IntN(2) == 1 {
		params.QualityControl = QualityActionNeeded
		params.Message = map[string]Advice{
			"Restart the job": {
				SiteEnvironment:   environmentThreshold,
				RecommendedAction: recommendedMonitor,
			},
		}
	}

	return Record{
		Timestamp:           g.now().Format(timestampLayout),
		OperatingParameters: params,
		SensorData: SensorData{
			PowerCurve:    fmt.Sprintf("%d", 300+g.rand.IntN(101)),
			LVActivePower: fmt.Sprintf("%.2f", g.uniform(200.12, 300.66)),
			WindSpeed:     fmt.Sprintf("%.2f", g.uniform(5, 15)),
			WindDirection: fmt.Sprintf("%.2f", g.uniform(150, 300)),
		},
	}
}

// Producer publishes a generated record to topic every interval.
type Producer struct {
	topic     string
	interval  time.Duration
	publisher Publisher
	generator *Generator
}

func New(topic string, interval time.Duration, publisher Publisher) *Producer {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Producer{
		topic:     topic,
		interval:  interval,
		publisher: publisher,
		generator: NewGenerator(uint64(time.Now().UnixNano())),
	}
}

// PublishOnce generates and publishes a single record.
func (p *Producer) PublishOnce() (int, error) {
	payload, err := json.Marshal(p.generator.Generate())
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	return p.publisher.Publish(p.topic, payload)
}

// Serve publishes until ctx is done. Publish failures are logged and the
// loop keeps going.
func (p *Producer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logger := log.WithField("topic", p.topic)
	logger.WithField("interval", p.interval).Info("Producer started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Producer stopped")
			return ctx.Err()
		case <-ticker.C:
			queues, err := p.PublishOnce()
			if err != nil {
				logger.Warn("Failed to publish record: ", err)
				continue
			}
			logger.WithField("queues", queues).Debug("Published record")
		}
	}
}
