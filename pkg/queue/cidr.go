package queue

import (
	"context"

	"github.com/cuemby/nscan/pkg/address"
)

// CIDRQueue wraps a MasterScheduler whose tokens are CIDR ranges.
// EnqueueCIDRs and CompleteCIDRs adjust the pending and completed statistics
// by expanded address count rather than token count. The embedded
// MasterScheduler methods (RecoverRunning, RemoveTask) still set or debit
// pending by token count, so after those calls the pending figure mixes
// addresses and tokens.
type CIDRQueue struct {
	*MasterScheduler
}

// NewCIDRQueue wraps the given scheduler.
func NewCIDRQueue(m *MasterScheduler) *CIDRQueue {
	return &CIDRQueue{MasterScheduler: m}
}

// EnqueueCIDRs validates and enqueues CIDR tokens, crediting the pending
// counter with the expanded address count.
func (q *CIDRQueue) EnqueueCIDRs(ctx context.Context, tokens []string) (uint64, error) {
	count, err := address.CountAddrs(tokens)
	if err != nil {
		return 0, err
	}
	if err := q.EnqueueTasks(ctx, tokens); err != nil {
		return 0, err
	}
	// EnqueueTasks credited one pending per token; adjust to address count.
	q.Internal().RemovePending(int64(len(tokens)))
	q.Internal().AddPending(int64(count))
	return count, nil
}

// CompleteCIDRs acknowledges completed CIDR tokens, debiting pending by the
// expanded address count.
func (q *CIDRQueue) CompleteCIDRs(ctx context.Context, tokens []string) (uint64, error) {
	count, err := address.CountAddrs(tokens)
	if err != nil {
		// Unparsable tokens still have to leave the running list.
		if cerr := q.CompleteTasks(ctx, tokens); cerr != nil {
			return 0, cerr
		}
		return 0, err
	}
	if err := q.CompleteTasks(ctx, tokens); err != nil {
		return 0, err
	}
	// CompleteTasks debited one pending and credited one completion per
	// token; scale both up to the expanded address count.
	q.Internal().DispatchTasks(int64(count) - int64(len(tokens)))
	return count, nil
}
