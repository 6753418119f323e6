// Package storage writes telemetry points to InfluxDB 1.x.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/rs/zerolog/log"

	"github.com/rbms/relay/internal/config"
	"github.com/rbms/relay/internal/telemetry"
	"github.com/rbms/relay/internal/tlsutil"
)

// ErrUnreachable is returned when the store does not answer a ping.
var ErrUnreachable = errors.New("point store unreachable")

// Store is the bridge's point store.
type Store struct {
	cfg    config.InfluxConfig
	client client.Client
}

func NewStore(cfg config.InfluxConfig) (*Store, error) {
	tlsCfg, err := tlsutil.ClientConfig(cfg.TLS, cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("influx tls: %w", err)
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:      cfg.Addr(),
		Username:  cfg.Username,
		Password:  cfg.Password,
		Timeout:   cfg.Timeout(),
		TLSConfig: tlsCfg,
		UserAgent: "rbms-bridge",
	})
	if err != nil {
		return nil, fmt.Errorf("influx client: %w", err)
	}
	if tlsCfg != nil {
		log.Info().Str("ca_cert", cfg.CACert).Msg("influx tls enabled")
	}
	return &Store{cfg: cfg, client: c}, nil
}

// Ping checks the store answers within the client timeout.
func (s *Store) Ping() error {
	rtt, version, err := s.client.Ping(s.cfg.Timeout())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, s.cfg.Addr(), err)
	}
	log.Info().Str("addr", s.cfg.Addr()).Str("version", version).Dur("rtt", rtt).Msg("influx reachable")
	return nil
}

// Setup creates the database and makes the retention policy the
// database default. Both steps are idempotent.
func (s *Store) Setup() error {
	db := s.cfg.Database
	if err := s.exec(fmt.Sprintf("CREATE DATABASE %s", quoteIdent(db))); err != nil {
		return fmt.Errorf("create database %s: %w", db, err)
	}

	rp := s.cfg.RetentionPolicy
	if rp == "" {
		log.Info().Str("database", db).Msg("influx database ready, no retention policy configured")
		return nil
	}
	spec := fmt.Sprintf("ON %s DURATION %s REPLICATION 1 DEFAULT", quoteIdent(db), s.cfg.RetentionDuration)
	err := s.exec(fmt.Sprintf("CREATE RETENTION POLICY %s %s", quoteIdent(rp), spec))
	if err != nil && policyExists(err) {
		err = s.exec(fmt.Sprintf("ALTER RETENTION POLICY %s %s", quoteIdent(rp), spec))
	}
	if err != nil {
		return fmt.Errorf("retention policy %s: %w", rp, err)
	}
	log.Info().
		Str("database", db).
		Str("retention_policy", rp).
		Str("duration", s.cfg.RetentionDuration).
		Msg("influx database ready")
	return nil
}

func (s *Store) exec(cmd string) error {
	resp, err := s.client.Query(client.NewQuery(cmd, "", ""))
	if err != nil {
		return err
	}
	return resp.Error()
}

// WritePoints writes points as one batch. The context bounds the call
// only before the request is sent; the HTTP client timeout bounds the
// request itself.
func (s *Store) WritePoints(ctx context.Context, points []telemetry.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.cfg.Database,
		Precision: "ms",
	})
	if err != nil {
		return err
	}
	for _, p := range points {
		pt, err := client.NewPoint(s.cfg.Measurement, p.Tags(), p.FieldValues(), p.Time)
		if err != nil {
			// NaN and Inf fields are rejected by the line protocol.
			log.Warn().Err(err).Str("node_id", p.NodeID).Msg("skipping unencodable point")
			continue
		}
		bp.AddPoint(pt)
	}
	if len(bp.Points()) == 0 {
		return nil
	}
	return s.client.Write(bp)
}

func (s *Store) Close() error {
	return s.client.Close()
}

// policyExists matches the errors InfluxDB returns when a policy with the
// same name but other parameters is already defined.
func policyExists(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "conflicts with an existing policy")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
