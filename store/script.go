package store

import (
	"context"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/gomodule/redigo/redis"
)

// Script is a server-side Lua script. It is sent by digest first and
// loaded with EVAL when the server does not have it cached.
type Script struct {
	name   string
	script *redis.Script
}

// NewScript creates a script taking keyCount keys. A negative keyCount
// means the number of keys is passed as the first argument to Eval.
func NewScript(name string, keyCount int, src string) *Script {
	return &Script{name: name, script: redis.NewScript(keyCount, src)}
}

// Name returns the script's name, used in errors
func (sc *Script) Name() string {
	return sc.name
}

// Eval runs the script. keysAndArgs holds the keys followed by the args.
func (s *Store) Eval(ctx context.Context, sc *Script, keysAndArgs ...interface{}) (interface{}, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := sc.script.DoContext(ctx, conn, keysAndArgs...)
	if err != nil {
		return nil, rocketErrors.NewStoreError("EVAL "+sc.name, firstKey(keysAndArgs), err)
	}
	return reply, nil
}

// EvalWithRetry runs the script, retrying transport failures like Exec.
// It also returns the number of attempts made. A script retried after a
// transport failure may already have been applied by an earlier attempt.
func (s *Store) EvalWithRetry(ctx context.Context, timeout time.Duration, sc *Script, keysAndArgs ...interface{}) (interface{}, int, error) {
	var (
		reply    interface{}
		attempts int
	)
	err := s.withRetry(ctx, timeout, func() error {
		attempts++
		var err error
		reply, err = s.Eval(ctx, sc, keysAndArgs...)
		return err
	})
	return reply, attempts, err
}
