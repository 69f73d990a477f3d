package interp

import (
	"time"

	"github.com/vk/stellard/internal/bus"
	"github.com/vk/stellard/internal/ctxlog"
)

// eventKey builds the queue key for an event on a channel.
func eventKey(name, channel string) string {
	return name + "@" + channel
}

// BroadcastEvent enqueues an event and wakes waiting listeners. When a bus
// is attached the event is mirrored onto it under channel::name.
func (in *Interpreter) BroadcastEvent(name, channel string, payload any) {
	key := eventKey(name, channel)

	in.eventMu.Lock()
	if len(in.events) >= in.eventCap {
		dropped := in.events[0]
		in.events = in.events[1:]
		ctxlog.FromContext(in.ctx).Warn("Event queue overflow, discarding oldest event.", "dropped", dropped.key, "capacity", in.eventCap)
	}
	in.events = append(in.events, queuedEvent{key: key, payload: payload})
	in.eventCond.Broadcast()
	in.eventMu.Unlock()

	if in.opts.Bus != nil {
		in.opts.Bus.Publish(bus.Topic(channel, name), payload)
	}
}

func (in *Interpreter) stepBroadcastEvent(step map[string]any) error {
	name, ok := step["event_name"].(string)
	if !ok || name == "" {
		return newScriptError("broadcast_event requires an event name")
	}
	channel, _ := step["channel"].(string)

	var payload any
	if rawData, present := step["event_data"]; present {
		value, err := in.Evaluate(rawData)
		if err != nil {
			return err
		}
		payload = value
	}
	in.BroadcastEvent(name, channel, payload)
	return nil
}

func (in *Interpreter) stepWaitEvent(step map[string]any) error {
	name, ok := step["event"].(string)
	if !ok || name == "" {
		return newScriptError("wait_event requires an event name")
	}
	channel, _ := step["channel"].(string)

	event, matched, err := in.awaitEvent(map[string]string{eventKey(name, channel): name}, -1)
	if err != nil {
		return err
	}
	if matched {
		in.forceBind(EventDataVar, event.payload)
		in.forceBind(EventNameVar, name)
	}
	return nil
}

func (in *Interpreter) stepListenEvent(st *execState, step map[string]any) error {
	rawNames, ok := step["event_names"].([]any)
	if !ok || len(rawNames) == 0 {
		return newScriptError("listen_event requires event_names")
	}
	channel, _ := step["channel"].(string)

	keys := make(map[string]string, len(rawNames))
	for _, rawName := range rawNames {
		name, ok := rawName.(string)
		if !ok || name == "" {
			return newScriptError("listen_event event names must be strings")
		}
		keys[eventKey(name, channel)] = name
	}

	timeoutMs := -1.0
	if rawTimeout, present := step["timeout"]; present {
		value, err := in.Evaluate(rawTimeout)
		if err != nil {
			return err
		}
		if timeoutMs, ok = asNumber(value); !ok {
			return newInvalidArgument("listen_event timeout must evaluate to a number")
		}
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		remaining := timeoutMs
		if timeoutMs >= 0 {
			remaining = float64(time.Until(deadline)) / float64(time.Millisecond)
			if remaining < 0 {
				remaining = 0
			}
		}
		event, matched, err := in.awaitEvent(keys, remaining)
		if err != nil {
			return err
		}
		if !matched {
			// Timeout expiry is not an error.
			return nil
		}

		name := keys[event.key]
		in.forceBind(EventDataVar, event.payload)
		in.forceBind(EventNameVar, name)

		if rawFilter, present := step["filter"]; present {
			value, err := in.Evaluate(rawFilter)
			if err != nil {
				return err
			}
			pass, err := truthy(value)
			if err != nil {
				return err
			}
			if !pass {
				continue
			}
		}

		// Per-event sub-steps win over the default block.
		if perEvent, ok := step["event_steps"].(map[string]any); ok {
			if steps, ok := perEvent[name].([]any); ok {
				return in.executeBlock(st, steps)
			}
		}
		if steps, ok := step["steps"].([]any); ok {
			return in.executeBlock(st, steps)
		}
		return nil
	}
}

// awaitEvent blocks until an event matching one of keys arrives, the
// timeout (in ms, negative = forever) expires, or stop is requested. It
// pops and returns the first matching queued event.
func (in *Interpreter) awaitEvent(keys map[string]string, timeoutMs float64) (queuedEvent, bool, error) {
	var deadline time.Time
	if timeoutMs >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs * float64(time.Millisecond)))
	}

	in.eventMu.Lock()
	defer in.eventMu.Unlock()
	for {
		if in.stopRequested.Load() {
			return queuedEvent{}, false, stopSignal{}
		}
		for i, event := range in.events {
			if _, wanted := keys[event.key]; wanted {
				in.events = append(in.events[:i], in.events[i+1:]...)
				return event, true, nil
			}
		}
		if timeoutMs >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return queuedEvent{}, false, nil
			}
			timer := time.AfterFunc(remaining, in.eventCond.Broadcast)
			in.eventCond.Wait()
			timer.Stop()
		} else {
			// Wake periodically so stop requests are honored promptly.
			timer := time.AfterFunc(50*time.Millisecond, in.eventCond.Broadcast)
			in.eventCond.Wait()
			timer.Stop()
		}
	}
}

// PendingEvents returns the queue depth, for tests and introspection.
func (in *Interpreter) PendingEvents() int {
	in.eventMu.Lock()
	defer in.eventMu.Unlock()
	return len(in.events)
}
