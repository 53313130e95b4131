// Package tenant resolves per-organization and per-project settings the
// pipeline needs: retention quotas, deobfuscation strategy selection and the
// profiling ingest DSN. The default store is configuration-backed; a control
// plane client can replace it behind the same interface.
package tenant

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

// Organization carries the organization-level settings used by normalization.
type Organization struct {
	ID            uint64
	RetentionDays int
}

// Project carries the project-level settings used by the stages.
type Project struct {
	ID                  uint64
	RemoteDeobfuscation bool
}

const defaultRetentionDays = 90

// Store is the configuration-backed tenant directory.
type Store struct {
	conf *config.Config
	log  logger.Logger

	remoteDeobfuscation map[uint64]struct{}
}

func NewStore(conf *config.Config, log logger.Logger) *Store {
	s := &Store{
		conf:                conf,
		log:                 log.Child("tenant"),
		remoteDeobfuscation: map[uint64]struct{}{},
	}
	for _, raw := range conf.GetStringSlice("Processor.Deobfuscation.symbolicatorProjectIDs", nil) {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.log.Warnn("invalid project id in deobfuscation allowlist",
				logger.NewStringField("value", raw))
			continue
		}
		s.remoteDeobfuscation[id] = struct{}{}
	}
	return s
}

func (s *Store) Organization(_ context.Context, id uint64) (Organization, error) {
	retention := s.conf.GetInt(fmt.Sprintf("Tenant.%d.retentionDays", id),
		s.conf.GetInt("Tenant.defaultRetentionDays", defaultRetentionDays))
	return Organization{ID: id, RetentionDays: retention}, nil
}

func (s *Store) Project(_ context.Context, id uint64) (Project, error) {
	_, remote := s.remoteDeobfuscation[id]
	return Project{
		ID:                  id,
		RemoteDeobfuscation: remote,
	}, nil
}

// MetricsDSN returns the ingest DSN attached to accepted profiles when
// function metrics extraction is enabled.
func (s *Store) MetricsDSN(_ context.Context, projectID uint64) (string, error) {
	dsn := s.conf.GetString(fmt.Sprintf("Tenant.%d.metricsDSN", projectID),
		s.conf.GetString("Tenant.defaultMetricsDSN", ""))
	if dsn == "" {
		return "", fmt.Errorf("no metrics DSN configured for project %d", projectID)
	}
	return dsn, nil
}
