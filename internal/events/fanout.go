package events

import (
	"context"
	"errors"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/types"
)

// Fanout publishes every event to each publisher in turn.
type Fanout []interfaces.EventPublisher

var _ interfaces.EventPublisher = Fanout(nil)

func (f Fanout) PublishTradeClosed(ctx context.Context, e types.TradeClosedEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishTradeClosed(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
