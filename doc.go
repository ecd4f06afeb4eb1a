// Package rocket is a distributed job-queue broker on Redis.
//
// Producers add jobs to named queues. A dispatch loop pumps waiting jobs
// to per-type ready lists under each queue's running limit, and workers
// lease jobs from those lists, report progress and resolve them as
// completed or failed. Jobs can also be scheduled for later, parked,
// moved between queues, cancelled and requeued.
//
// Every status change runs as one server-side script, so any number of
// processes can share a store. Changes are announced as events to
// observers registered with Subscribe; plugins under plugins/ build job
// history, aggregates, uniqueness and monitoring on top of them.
//
// # Example
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		"github.com/BranchIntl/rocket"
//		"github.com/BranchIntl/rocket/config"
//		"github.com/BranchIntl/rocket/store"
//	)
//
//	func main() {
//		ctx := context.Background()
//		cfg := config.Default()
//
//		s := store.New(cfg.StoreOptions())
//		if err := s.Connect(ctx); err != nil {
//			log.Fatal(err)
//		}
//		defer s.Close()
//
//		r, err := rocket.New(s, cfg)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		job, err := r.Queue("emails").QueueJob(ctx, `{"to":"ops@example.com"}`,
//			rocket.WithJobType("send_email"))
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("queued %s", job.ID())
//	}
//
// Workers are usually run through the core package, which drives the
// lease protocol for handlers registered by job type.
package rocket
