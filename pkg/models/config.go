/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/printradar/pkg/logger"
)

var (
	errListenAddrRequired = errors.New("listen address is required")
	errThresholdRange     = errors.New("catalog.match_threshold must be within (0, 1]")
	errWorkersRequired    = errors.New("scheduler.workers must be positive")
	errNATSRequired       = errors.New("nats configuration is required for the nats lease backend")
	errUnknownLeaseStore  = errors.New("unknown lease backend")
	errNegativeTolerance  = errors.New("counters.tolerance must be non-negative")
	errNATSURLRequired    = errors.New("nats url is required")
	errNATSAuthConflict   = errors.New("nats creds_file and nkey_seed_file are mutually exclusive")
	errLeaseTTLTooShort   = fmt.Errorf("%w: scheduler.lease_ttl must exceed scheduler.job_timeout", ErrValidation)
)

const (
	LeaseBackendMemory = "memory"
	LeaseBackendNATS   = "nats"
)

// ServiceConfig is the configuration file of the printradar service.
type ServiceConfig struct {
	ListenAddr string          `json:"listen_addr" reload:"restart"`
	Logging    *logger.Config  `json:"logging,omitempty" reload:"restart"`
	CNPG       *CNPGDatabase   `json:"cnpg,omitempty" reload:"restart"`
	NATS       *NATSConfig     `json:"nats,omitempty" reload:"restart"`
	Catalog    CatalogConfig   `json:"catalog"`
	Scheduler  SchedulerConfig `json:"scheduler"`
	Counters   CountersConfig  `json:"counters"`
	Billing    BillingConfig   `json:"billing"`
	Leases     LeaseConfig     `json:"leases" reload:"restart"`
	Events     EventsConfig    `json:"events" reload:"restart"`
	Poller     PollerConfig    `json:"poller" reload:"restart"`
}

// CNPGDatabase describes how to reach the Postgres cluster.
type CNPGDatabase struct {
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Database           string            `json:"database"`
	Username           string            `json:"username"`
	Password           string            `json:"password" sensitive:"true"`
	SSLMode            string            `json:"ssl_mode,omitempty"`
	ApplicationName    string            `json:"application_name,omitempty"`
	CertDir            string            `json:"cert_dir,omitempty"`
	TLS                *TLSConfig        `json:"tls,omitempty"`
	MaxConnections     int32             `json:"max_connections,omitempty"`
	MinConnections     int32             `json:"min_connections,omitempty"`
	MaxConnLifetime    Duration          `json:"max_conn_lifetime,omitempty"`
	HealthCheckPeriod  Duration          `json:"health_check_period,omitempty"`
	StatementTimeout   Duration          `json:"statement_timeout,omitempty"`
	ExtraRuntimeParams map[string]string `json:"extra_runtime_params,omitempty"`
}

// TLSConfig points at client certificate material.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}

// NATSConfig configures NATS connectivity.
type NATSConfig struct {
	URL    string     `json:"url"`
	Domain string     `json:"domain,omitempty"`
	Name   string     `json:"name,omitempty"`
	TLS    *TLSConfig `json:"tls,omitempty"`
	// CredsFile is a user JWT plus seed; NKeySeedFile is a bare user seed.
	// At most one may be set.
	CredsFile    string `json:"creds_file,omitempty"`
	NKeySeedFile string `json:"nkey_seed_file,omitempty"`
}

// Validate ensures the NATS configuration is valid.
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return errNATSURLRequired
	}

	if c.CredsFile != "" && c.NKeySeedFile != "" {
		return errNATSAuthConflict
	}

	return nil
}

// CatalogConfig tunes the fuzzy catalog matcher.
type CatalogConfig struct {
	MatchThreshold float64 `json:"match_threshold"`
	CacheEntries   int64   `json:"cache_entries"`
	ChangeSubject  string  `json:"change_subject"`
}

// SchedulerConfig tunes the poll scheduler. Every field is hot-swappable
// except Workers and the queue sizes.
type SchedulerConfig struct {
	Workers           int      `json:"workers"`
	InteractiveQueue  int      `json:"interactive_queue"`
	BackgroundQueue   int      `json:"background_queue"`
	ActorLimit        int      `json:"actor_limit"`
	ActorWindow       Duration `json:"actor_window"`
	ActorCooldown     Duration `json:"actor_cooldown"`
	RecentlyPolled    Duration `json:"recently_polled"`
	MaxAttempts       int      `json:"max_attempts"`
	BackoffBase       Duration `json:"backoff_base"`
	BackoffMax        Duration `json:"backoff_max"`
	JobTimeout        Duration `json:"job_timeout"`
	LeaseTTL          Duration `json:"lease_ttl"`
	SweepSchedule     string   `json:"sweep_schedule"`
	RetentionSchedule string   `json:"retention_schedule"`
	Retention         Duration `json:"retention"`
}

// CountersConfig tunes counter reconciliation. A nil Tolerance takes the
// default; zero is strict.
type CountersConfig struct {
	Tolerance *int64 `json:"tolerance,omitempty"`
}

// TolerancePages returns the configured tolerance or DefaultTolerance.
func (c CountersConfig) TolerancePages() int64 {
	if c.Tolerance == nil {
		return DefaultTolerance
	}

	return *c.Tolerance
}

// BillingConfig tunes report synchronisation.
type BillingConfig struct {
	AutoSync bool `json:"auto_sync"`
}

// LeaseConfig selects the lease backend.
type LeaseConfig struct {
	Backend string `json:"backend"`
	Bucket  string `json:"bucket"`
}

// EventsConfig configures change-event publishing.
type EventsConfig struct {
	Enabled       bool   `json:"enabled"`
	StreamName    string `json:"stream_name"`
	SubjectPrefix string `json:"subject_prefix"`
}

// PollerConfig configures the request/reply poller collaborator.
type PollerConfig struct {
	SubjectPrefix  string   `json:"subject_prefix"`
	RequestTimeout Duration `json:"request_timeout"`
}

// Defaults for the tunables. Exported so tests and callers constructing
// configs in code can start from the same values.
const (
	DefaultMatchThreshold    = 0.75
	DefaultCacheEntries      = 10000
	DefaultWorkers           = 8
	DefaultInteractiveQueue  = 64
	DefaultBackgroundQueue   = 1000
	DefaultActorLimit        = 5
	DefaultActorWindow       = time.Minute
	DefaultActorCooldown     = 30 * time.Second
	DefaultRecentlyPolled    = 30 * time.Minute
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffMax        = time.Minute
	DefaultJobTimeout        = 45 * time.Second
	DefaultLeaseTTL          = 2 * time.Minute
	DefaultSweepSchedule     = "*/15 * * * *"
	DefaultRetentionSchedule = "30 3 * * *"
	DefaultRetention         = 90 * 24 * time.Hour
	DefaultTolerance         = 10
)

// WithDefaults fills unset scheduler tunables.
func (c SchedulerConfig) WithDefaults() SchedulerConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}

	if c.InteractiveQueue <= 0 {
		c.InteractiveQueue = DefaultInteractiveQueue
	}

	if c.BackgroundQueue <= 0 {
		c.BackgroundQueue = DefaultBackgroundQueue
	}

	if c.ActorLimit <= 0 {
		c.ActorLimit = DefaultActorLimit
	}

	if c.ActorWindow <= 0 {
		c.ActorWindow = Duration(DefaultActorWindow)
	}

	if c.ActorCooldown <= 0 {
		c.ActorCooldown = Duration(DefaultActorCooldown)
	}

	if c.RecentlyPolled <= 0 {
		c.RecentlyPolled = Duration(DefaultRecentlyPolled)
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = Duration(DefaultBackoffBase)
	}

	if c.BackoffMax <= 0 {
		c.BackoffMax = Duration(DefaultBackoffMax)
	}

	if c.JobTimeout <= 0 {
		c.JobTimeout = Duration(DefaultJobTimeout)
	}

	if c.LeaseTTL <= 0 {
		c.LeaseTTL = Duration(DefaultLeaseTTL)
	}

	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}

	if c.RetentionSchedule == "" {
		c.RetentionSchedule = DefaultRetentionSchedule
	}

	if c.Retention <= 0 {
		c.Retention = Duration(DefaultRetention)
	}

	return c
}

// Validate checks a defaulted scheduler configuration. The device lease is
// renewed when a job starts and must outlive the job.
func (c SchedulerConfig) Validate() error {
	if c.LeaseTTL <= c.JobTimeout {
		return fmt.Errorf("%w (lease_ttl %s, job_timeout %s)",
			errLeaseTTLTooShort, time.Duration(c.LeaseTTL), time.Duration(c.JobTimeout))
	}

	return nil
}

// Validate applies defaults and checks the configuration.
func (c *ServiceConfig) Validate() error {
	if c.ListenAddr == "" {
		return errListenAddrRequired
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	if c.Catalog.MatchThreshold == 0 {
		c.Catalog.MatchThreshold = DefaultMatchThreshold
	}

	if c.Catalog.MatchThreshold < 0 || c.Catalog.MatchThreshold > 1 {
		return errThresholdRange
	}

	if c.Catalog.CacheEntries <= 0 {
		c.Catalog.CacheEntries = DefaultCacheEntries
	}

	if c.Catalog.ChangeSubject == "" {
		c.Catalog.ChangeSubject = "printradar.catalog.changed"
	}

	if c.Scheduler.Workers < 0 {
		return errWorkersRequired
	}

	c.Scheduler = c.Scheduler.WithDefaults()

	if err := c.Scheduler.Validate(); err != nil {
		return err
	}

	if c.Counters.Tolerance == nil {
		tolerance := int64(DefaultTolerance)
		c.Counters.Tolerance = &tolerance
	}

	if *c.Counters.Tolerance < 0 {
		return errNegativeTolerance
	}

	switch c.Leases.Backend {
	case "":
		c.Leases.Backend = LeaseBackendMemory
	case LeaseBackendMemory:
	case LeaseBackendNATS:
		if c.NATS == nil {
			return errNATSRequired
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownLeaseStore, c.Leases.Backend)
	}

	if c.Leases.Bucket == "" {
		c.Leases.Bucket = "printradar-leases"
	}

	if c.Events.StreamName == "" {
		c.Events.StreamName = "PRINTRADAR_EVENTS"
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "printradar.events"
	}

	if c.Poller.SubjectPrefix == "" {
		c.Poller.SubjectPrefix = "printradar.poll"
	}

	if c.NATS != nil {
		if err := c.NATS.Validate(); err != nil {
			return err
		}
	}

	return nil
}
