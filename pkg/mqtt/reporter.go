package mqtt

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/256dpi/naos-ota/pkg/ota"
	"github.com/256dpi/naos-ota/pkg/utils"
)

// Publisher publishes payloads to topics.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Status is the JSON message published by a Reporter.
type Status struct {
	State string `json:"state"`
	Done  int64  `json:"done"`
	Total int64  `json:"total"`
	Error string `json:"error,omitempty"`
}

// Reporter publishes update states and progress. Progress is only published
// when the completed percentage changes.
type Reporter struct {
	publisher Publisher
	topic     string
	logger    *slog.Logger
	status    Status
	percent   int64
	mutex     sync.Mutex
}

// NewReporter creates a reporter that publishes to the status topic below
// the provided base topic.
func NewReporter(publisher Publisher, base string, logger *slog.Logger) *Reporter {
	return &Reporter{
		publisher: publisher,
		topic:     StatusTopic(base),
		logger:    utils.Logger(logger),
		status:    Status{State: ota.Idle.String()},
		percent:   -1,
	}
}

// Topic returns the status topic.
func (r *Reporter) Topic() string {
	return r.topic
}

// Observe publishes the provided state. It can be used as an ota.Updater
// observer.
func (r *Reporter) Observe(state ota.State) {
	// acquire mutex
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// update status
	r.status.State = state.String()
	if state == ota.Connecting {
		r.status.Done = 0
		r.status.Total = 0
		r.status.Error = ""
		r.percent = -1
	}

	r.publish()
}

// Progress publishes the provided progress. It can be used as an ota.Progress
// function.
func (r *Reporter) Progress(err error, done, total int64) {
	// acquire mutex
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// update status
	r.status.Done = done
	r.status.Total = total
	if err != nil {
		r.status.Error = err.Error()
	}

	// compute percent
	var percent int64
	if total > 0 {
		percent = done * 100 / total
	}

	// check change
	if err == nil && percent == r.percent {
		return
	}
	r.percent = percent

	r.publish()
}

// Fail publishes a failure that happened outside an update.
func (r *Reporter) Fail(err error) {
	// acquire mutex
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// update status
	r.status.State = ota.Failed.String()
	r.status.Error = err.Error()

	r.publish()
}

func (r *Reporter) publish() {
	// encode status
	payload, err := json.Marshal(r.status)
	if err != nil {
		r.logger.Warn("failed to encode status", "error", err)
		return
	}

	// publish status
	err = r.publisher.Publish(r.topic, payload)
	if err != nil {
		r.logger.Warn("failed to publish status", "topic", r.topic, "error", err)
	}
}
