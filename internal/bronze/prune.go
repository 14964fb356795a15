package bronze

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/metrics"
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

// RetentionPolicy bounds how many snapshots of a dataset are kept per city.
// A zero field disables that bound.
type RetentionPolicy struct {
	Dataset         models.Dataset
	MaxAge          time.Duration
	MaxFilesPerCity int
}

type PruneResult struct {
	Deleted  int
	Archived int
	Bundles  []string
}

// Prune applies each policy to every city of its dataset. The newest snapshot of
// each partition always survives. With an archiver configured, expired files are
// bundled per UTC day and only deleted once their bundle is archived.
func (s *Store) Prune(ctx context.Context, policies ...RetentionPolicy) (PruneResult, error) {
	var (
		res  PruneResult
		errs []error
	)
	now := s.clock.Now().UTC()

	for _, policy := range policies {
		cities, err := s.Cities(policy.Dataset)
		if err != nil {
			return res, err
		}
		for _, city := range cities {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			refs, err := s.list(policy.Dataset, city, false)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			expired := expiredSnapshots(refs, policy, now)
			if len(expired) == 0 {
				continue
			}
			if err := s.removeExpired(ctx, policy.Dataset, city, expired, &res); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return res, errors.Join(errs...)
}

// expiredSnapshots selects refs (chronological) outside the policy, never the newest.
func expiredSnapshots(refs []SnapshotRef, policy RetentionPolicy, now time.Time) []SnapshotRef {
	if len(refs) <= 1 {
		return nil
	}
	var out []SnapshotRef
	for i, ref := range refs[:len(refs)-1] {
		overCount := policy.MaxFilesPerCity > 0 && i < len(refs)-policy.MaxFilesPerCity
		tooOld := policy.MaxAge > 0 && now.Sub(ref.RetrievedAt) > policy.MaxAge
		if overCount || tooOld {
			out = append(out, ref)
		}
	}
	return out
}

func (s *Store) removeExpired(ctx context.Context, dataset models.Dataset, city string, expired []SnapshotRef, res *PruneResult) error {
	groups := [][]SnapshotRef{expired}
	if s.archiver != nil {
		groups = groupByDay(expired)
	}

	var errs []error
	for _, group := range groups {
		if s.archiver != nil {
			key := bundleKey(dataset, city, group)
			body, err := buildBundle(s.root, group)
			if err == nil {
				err = s.archiver.Archive(ctx, key, body)
			}
			if err != nil {
				s.log.Error("bronze archive failed, keeping snapshots", "dataset", dataset, "city", city, "bundle", key, "error", err)
				errs = append(errs, fmt.Errorf("archive %s: %w", key, err))
				continue
			}
			res.Archived += len(group)
			res.Bundles = append(res.Bundles, key)
		}
		for _, ref := range group {
			if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove %s: %w", ref.Path, err))
				continue
			}
			res.Deleted++
			metrics.SnapshotsPruned.WithLabelValues(string(dataset)).Inc()
		}
	}
	s.log.Info("bronze pruned", "dataset", dataset, "city", city, "expired", len(expired))
	return errors.Join(errs...)
}

func groupByDay(refs []SnapshotRef) [][]SnapshotRef {
	var groups [][]SnapshotRef
	var day string
	for _, ref := range refs {
		d := ref.RetrievedAt.UTC().Format("20060102")
		if len(groups) == 0 || d != day {
			groups = append(groups, nil)
			day = d
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], ref)
	}
	return groups
}

// bundleKey is unique per partition and time range so repeated prunes on one day do not collide.
func bundleKey(dataset models.Dataset, city string, group []SnapshotRef) string {
	first := group[0].RetrievedAt
	last := group[len(group)-1].RetrievedAt
	return fmt.Sprintf("%s/%s%s/%s/%s_%s.tar.gz",
		dataset, cityPrefix, city, first.Format("2006-01-02"),
		first.Format(FileTimeLayout), last.Format(FileTimeLayout))
}
