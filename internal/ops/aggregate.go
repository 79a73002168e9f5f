package ops

import (
	"context"

	"github.com/hpungsan/devmem/internal/aggregate"
)

// Aggregate builds a dense count table over the search store. Domain and
// commit-type axes take their values from the classification policy.
func Aggregate(ctx context.Context, deps *Deps, req aggregate.Request) (*aggregate.Table, error) {
	policy := deps.policy()
	builder := aggregate.NewBuilder(searchBackend{deps},
		aggregate.WithDomains(policy.DomainLabels()),
		aggregate.WithCommitTypes(policy.CommitTypeLabels()),
		aggregate.WithLogger(deps.log()))
	return builder.Build(ctx, req)
}

// searchBackend observes aggregation calls and marks failures as the
// search store being unavailable.
type searchBackend struct {
	deps *Deps
}

func (b searchBackend) Aggregate(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error) {
	var buckets []aggregate.Bucket
	name := b.deps.Search.Name()
	err := timed(b.deps, name, "aggregate", func() error {
		var err error
		buckets, err = b.deps.Search.Aggregate(ctx, q)
		return err
	})
	if err != nil {
		return nil, storeError(name, err)
	}
	return buckets, nil
}
