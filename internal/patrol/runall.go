package patrol

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Session pairs a device name with the patrol that drives it. Sessions share nothing.
type Session struct {
	Device string
	Patrol *Patrol
}

// RunAll runs independent sessions concurrently, at most limit at a time (0 means no
// limit). Reports are returned in session order. A session that fails to start cancels
// the rest, which then finish with a "cancelled" report.
func RunAll(ctx context.Context, sessions []Session, limit int) ([]*Report, error) {
	reports := make([]*Report, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, s := range sessions {
		g.Go(func() error {
			r, err := s.Patrol.Run(gctx)
			if err != nil {
				return fmt.Errorf("patrol on %s: %w", s.Device, err)
			}
			reports[i] = r
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}
