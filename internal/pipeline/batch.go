package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchItem is the outcome of one submission in a batch. Exactly one of
// Result and Err is set.
type BatchItem struct {
	Result *Result
	Err    error
}

// SubmitBatch runs submissions for different employees in parallel and those
// for the same employee in input order. Items line up with subs.
func (p *Pipeline) SubmitBatch(ctx context.Context, subs []Submission) []BatchItem {
	items := make([]BatchItem, len(subs))

	order := make([]string, 0)
	groups := make(map[string][]int)
	for i, sub := range subs {
		key := sub.Event.EmployeeID
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	limit := p.cfg.BatchConcurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, key := range order {
		indexes := groups[key]
		g.Go(func() error {
			for _, i := range indexes {
				if err := ctx.Err(); err != nil {
					items[i].Err = err
					continue
				}
				res, err := p.Submit(ctx, subs[i])
				items[i] = BatchItem{Result: res, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	return items
}
