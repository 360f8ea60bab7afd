package events

import (
	"context"
	"encoding/json"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

// LogSink writes each record as one JSON log line, so decisions can be found with:
//
//	grep '"kind":"send_outcome"' /var/log/agent.log
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, r Record) error {
	b, err := json.Marshal(r.Normalize())
	if err != nil {
		return err
	}
	s.logger.Info("decision", "record", json.RawMessage(b))
	return nil
}
