package worker

import (
	"context"
	"errors"

	"github.com/harunnryd/haven/pkg/transports"
)

// StaticDispatcher submits one job per configured room at startup and then
// waits for ctx.
type StaticDispatcher struct {
	Rooms    []string
	Identity string
	Source   string
	// Connector builds the connector for one room.
	Connector func(room, identity string) transports.Connector
}

func (d *StaticDispatcher) Name() string { return "static" }

func (d *StaticDispatcher) Run(ctx context.Context, submit SubmitFunc) error {
	if d.Connector == nil {
		return errors.New("static dispatcher: connector is required")
	}
	source := d.Source
	if source == "" {
		source = SourceStatic
	}
	var errs []error
	for _, room := range d.Rooms {
		if room == "" {
			continue
		}
		err := submit(JobRequest{
			Room:      room,
			Identity:  d.Identity,
			Source:    source,
			Connector: d.Connector(room, d.Identity),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(d.Rooms) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	<-ctx.Done()
	return nil
}
