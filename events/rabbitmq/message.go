package rabbitmq

import (
	"time"

	"github.com/BranchIntl/rocket"
)

// Message is the body published for one event
type Message struct {
	Event   string    `json:"event"`
	Subject string    `json:"subject"`
	JobID   string    `json:"job_id,omitempty"`
	Queue   string    `json:"queue,omitempty"`
	Worker  string    `json:"worker,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

func newMessage(e rocket.Event, at time.Time) Message {
	m := Message{
		Event:   string(e.Kind()),
		Subject: e.Kind().Subject(),
		Time:    at.UTC(),
	}

	switch ev := e.(type) {
	case rocket.JobEvent:
		m.JobID = ev.Job.ID()
		m.Queue = ev.Job.Queue().Name()
	case rocket.QueueEvent:
		m.Queue = ev.Queue.Name()
	case rocket.QueueFullEvent:
		m.Queue = ev.Queue.Name()
		if ev.Reason != nil {
			m.Reason = ev.Reason.Error()
		}
	case rocket.WorkerEvent:
		m.Worker = ev.Worker.Name()
	}
	return m
}
