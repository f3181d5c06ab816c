package kv

import "fmt"

// Keys builds the persisted key layout. Every key is prefixed with the
// environment so several deployments can share one Redis.
type Keys struct {
	Env string
}

func NewKeys(env string) Keys {
	if env == "" {
		env = "dev"
	}
	return Keys{Env: env}
}

func (k Keys) Ready(queue string) string {
	return fmt.Sprintf("%s:q:%s:ready", k.Env, queue)
}

func (k Keys) Scheduled(queue string) string {
	return fmt.Sprintf("%s:q:%s:scheduled", k.Env, queue)
}

func (k Keys) Deadletter(queue string) string {
	return fmt.Sprintf("%s:q:%s:deadletter", k.Env, queue)
}

func (k Keys) Lock(name string) string {
	return fmt.Sprintf("%s:lock:%s", k.Env, name)
}

func (k Keys) Seen(queue, jobType, fingerprint string) string {
	return fmt.Sprintf("%s:q:%s:seen:%s:%s", k.Env, queue, jobType, fingerprint)
}

func (k Keys) Done(queue, jobType, fingerprint string) string {
	return fmt.Sprintf("%s:q:%s:done:%s:%s", k.Env, queue, jobType, fingerprint)
}
