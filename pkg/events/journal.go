package events

import (
	"context"
	"io"

	"github.com/aws-solutions/aws-crr-monitor/pkg/eventlog"
	"github.com/rs/zerolog"
)

// Journal copies every broker event to a JSON-lines audit log
type Journal struct {
	broker *Broker
	out    eventlog.Appender[*Event]
	flush  func() error
	logger zerolog.Logger
}

// NewJournal writes the events published on broker to w
func NewJournal(broker *Broker, w io.Writer, logger zerolog.Logger) *Journal {
	jw := eventlog.NewJSONLWriter[*Event](w)
	return &Journal{broker: broker, out: jw, flush: jw.Flush, logger: logger}
}

// Run subscribes and writes events until ctx is cancelled. The log is
// flushed whenever the subscription runs dry.
func (j *Journal) Run(ctx context.Context) error {
	sub := j.broker.Subscribe()
	defer j.broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return j.flush()
		case event, ok := <-sub:
			if !ok {
				return j.flush()
			}
			if err := j.out.Append(event); err != nil {
				j.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to write audit event")
				continue
			}
			if len(sub) == 0 {
				if err := j.flush(); err != nil {
					return err
				}
			}
		}
	}
}
