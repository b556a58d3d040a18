package bbolt

import (
	"time"

	"go.etcd.io/bbolt"

	"github.com/giantswarm/mcp-registry-gateway/storage"
)

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				s.logger.Warn("Failed to sweep expired records", "error", err)
			}
		case <-s.stopSweep:
			return
		}
	}
}

// Sweep removes expired sessions and leases, and flows and codes that expired
// more than storage.ExpiredRetention ago
func (s *Store) Sweep() error {
	now := s.now()
	cutoff := now.Add(-storage.ExpiredRetention)
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		sweeps := []struct {
			bucket  []byte
			expired func(id string, data []byte) (bool, error)
		}{
			{bucketSessions, func(id string, data []byte) (bool, error) {
				var v storage.Session
				err := s.decode(bucketSessions, id, data, &v)
				return err == nil && !now.Before(v.ExpiresAt), err
			}},
			{bucketLeases, func(id string, data []byte) (bool, error) {
				var v lease
				err := s.decode(bucketLeases, id, data, &v)
				return err == nil && !now.Before(v.ExpiresAt), err
			}},
			{bucketFlows, func(id string, data []byte) (bool, error) {
				var v storage.FlowState
				err := s.decode(bucketFlows, id, data, &v)
				return err == nil && v.ExpiresAt.Before(cutoff), err
			}},
			{bucketGrants, func(id string, data []byte) (bool, error) {
				var v storage.Grant
				err := s.decode(bucketGrants, id, data, &v)
				return err == nil && v.ExpiresAt.Before(cutoff), err
			}},
		}

		for _, sw := range sweeps {
			b := tx.Bucket(sw.bucket)
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				expired, err := sw.expired(string(k), v)
				if err != nil {
					// Undecodable records are left for inspection
					return nil
				}
				if expired {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if removed > 0 {
		s.logger.Debug("Swept expired records", "count", removed)
	}
	return nil
}
