package dockerhost

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/hydralab/hydra/pkg/orchestrator"
)

// StreamEvents fans lifecycle events from every node into one channel.
// The first engine error ends the stream; the consumer owns reconnects.
func (h *Host) StreamEvents(ctx context.Context) (<-chan orchestrator.Event, <-chan error) {
	out := make(chan orchestrator.Event, 64)
	errOut := make(chan error, 1)

	streamCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	f := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("label", LabelOwner),
	)

	for node, cli := range h.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, errs := cli.Events(streamCtx, events.ListOptions{Filters: f})
			for {
				select {
				case <-streamCtx.Done():
					return
				case err := <-errs:
					if err != nil && streamCtx.Err() == nil {
						select {
						case errOut <- err:
						default:
						}
						cancel()
					}
					return
				case msg := <-msgs:
					ev, ok := translateEvent(node, msg)
					if !ok {
						continue
					}
					select {
					case out <- ev:
					case <-streamCtx.Done():
						return
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		close(out)
		close(errOut)
	}()
	return out, errOut
}

func translateEvent(node string, msg events.Message) (orchestrator.Event, bool) {
	username := msg.Actor.Attributes[LabelOwner]
	if username == "" || username == "system" {
		return orchestrator.Event{}, false
	}

	var typ orchestrator.EventType
	switch msg.Action {
	case "start":
		typ = orchestrator.EventStarted
	case "stop":
		typ = orchestrator.EventStopped
	case "kill":
		typ = orchestrator.EventKilled
	case "oom":
		typ = orchestrator.EventOOM
	case "die":
		typ = orchestrator.EventExited
	default:
		return orchestrator.Event{}, false
	}

	ev := orchestrator.Event{
		Type:      typ,
		Workload:  msg.Actor.Attributes["name"],
		Username:  username,
		Node:      node,
		Signal:    msg.Actor.Attributes["signal"],
		Timestamp: time.Unix(0, msg.TimeNano),
	}
	if code, err := strconv.Atoi(msg.Actor.Attributes["exitCode"]); err == nil {
		ev.ExitCode = code
	}
	return ev, true
}
