// Package unique indexes active jobs by digest so callers can avoid
// queueing a job whose twin is still pending or running.
package unique

import (
	"context"
	"log/slog"

	"github.com/BranchIntl/rocket"
	"github.com/BranchIntl/rocket/store"
	"github.com/gomodule/redigo/redis"
)

// Name is the plugin name
const Name = "unique"

const (
	activeKey  = "ACTIVE_UNIQUE_JOBS"
	digestsKey = "ACTIVE_UNIQUE_JOBS:DIGESTS"
)

var (
	activated = []rocket.EventKind{rocket.JobSchedule, rocket.JobQueue, rocket.JobRequeue}
	resolved  = []rocket.EventKind{rocket.JobComplete, rocket.JobFail, rocket.JobCancel, rocket.JobDelete}
)

// releaseScript drops the digest of a job, unless a newer job has taken
// the digest over.
//
// KEYS[1] digest to id hash, KEYS[2] id to digest hash. ARGV[1] job id.
var releaseScript = store.NewScript("unique-release", 2, `
local digest = redis.call('hget', KEYS[2], ARGV[1])
if not digest then
  return 0
end
redis.call('hdel', KEYS[2], ARGV[1])
if redis.call('hget', KEYS[1], digest) == ARGV[1] then
  redis.call('hdel', KEYS[1], digest)
  return 1
end
return 0
`)

// Plugin maintains the index
type Plugin struct {
	r       *rocket.Rocket
	logger  *slog.Logger
	active  *store.Hash
	digests *store.Hash
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{}
}

// Name implements rocket.Plugin
func (p *Plugin) Name() string { return Name }

// Register implements rocket.Plugin
func (p *Plugin) Register(r *rocket.Rocket) error {
	p.r = r
	p.logger = r.Logger().With("plugin", Name)
	p.active = r.Store().Hash(activeKey)
	p.digests = r.Store().Hash(digestsKey)

	r.Subscribe(rocket.ObserverFunc(p.activate), activated...)
	r.Subscribe(rocket.ObserverFunc(p.release), resolved...)
	return nil
}

func (p *Plugin) activate(ctx context.Context, e rocket.Event) error {
	ev, ok := e.(rocket.JobEvent)
	if !ok {
		return nil
	}
	digest, err := ev.Job.Digest(ctx)
	if err != nil {
		return err
	}

	s := p.r.Store()
	b := s.NewBatch().
		HSet(p.active.Key(), digest, ev.Job.ID()).
		HSet(p.digests.Key(), ev.Job.ID(), digest)
	if _, err := s.Exec(ctx, b, 0); err != nil {
		return err
	}
	p.logger.Debug("Unique job active", "job", ev.Job.ID(), "digest", digest)
	return nil
}

func (p *Plugin) release(ctx context.Context, e rocket.Event) error {
	ev, ok := e.(rocket.JobEvent)
	if !ok {
		return nil
	}
	released, err := redis.Bool(p.r.Store().Eval(ctx, releaseScript, p.active.Key(), p.digests.Key(), ev.Job.ID()))
	if err != nil {
		return err
	}
	if released {
		p.logger.Debug("Unique job released", "job", ev.Job.ID())
	}
	return nil
}

// ActiveJobID returns the id of the active job with digest, empty when
// there is none
func (p *Plugin) ActiveJobID(ctx context.Context, digest string) (string, error) {
	id, _, err := p.active.Get(ctx, digest)
	return id, err
}

// JobIDIfActive returns the id of the active job whose body is payload,
// empty when there is none. Jobs queued with an explicit digest are found
// with ActiveJobID.
func (p *Plugin) JobIDIfActive(ctx context.Context, payload string) (string, error) {
	return p.ActiveJobID(ctx, rocket.PayloadDigest(payload))
}

// ActiveCount returns the number of indexed jobs
func (p *Plugin) ActiveCount(ctx context.Context) (int, error) {
	return p.active.Len(ctx)
}
