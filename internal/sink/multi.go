package sink

import (
	"errors"
	"io"

	"EchoTrace/internal/model"
)

// Multi fans every observation out to several sinks.
type Multi []model.Sink

func (m Multi) Observe(o model.Observation) {
	for _, s := range m {
		s.Observe(o)
	}
}

// Close closes every member that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
