package service

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
)

// Logger logs each request/response at debug level, rejects at info.
type Logger struct {
	Next  Handler
	Name  string
	Entry *log.Entry
}

// NewLogger wraps next; name tags the pipeline stage.
func NewLogger(name string, next Handler) *Logger {
	return &Logger{Next: next, Name: name, Entry: log.WithField("stage", name)}
}

func (l *Logger) HandleRequest(ctx context.Context, req *Request) (*ilp.Fulfill, *ilp.Reject) {
	start := time.Now()
	fields := log.Fields{
		"destination": req.Prepare.Destination,
		"amount":      req.Prepare.Amount,
	}
	if req.From != nil {
		fields["from"] = req.From.ID
	}
	ful, rej := l.Next.HandleRequest(ctx, req)
	fields["took"] = time.Since(start)
	if rej != nil {
		fields["code"] = rej.Code
		fields["triggered_by"] = rej.TriggeredBy
		l.Entry.WithFields(fields).Info("prepare rejected: ", rej.Message)
		return nil, rej
	}
	l.Entry.WithFields(fields).Debug("prepare fulfilled")
	return ful, nil
}
