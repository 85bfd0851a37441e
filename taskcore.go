// Package taskcore is the embedding surface of the task store consistency
// core: class-aware task storage with optimistic concurrency, participant and
// folder reconciliation, and a prefetching change stream.
//
// Embedding servers construct a Service with New, supply the ports the host
// system owns (permissions, identity, recurrence expansion, notifications)
// and run Migrate once on startup.
package taskcore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/avolkhin/taskcore/internal/errs"
	"github.com/avolkhin/taskcore/internal/migrate"
	"github.com/avolkhin/taskcore/internal/model"
	"github.com/avolkhin/taskcore/internal/ports"
	"github.com/avolkhin/taskcore/internal/reconcile"
	"github.com/avolkhin/taskcore/internal/repository/postgres"
	"github.com/avolkhin/taskcore/internal/service"
	"github.com/avolkhin/taskcore/internal/stream"
)

// Core model types.
type (
	Opt[T any]          = model.Opt[T]
	Task                = model.Task
	TaskUpdate          = model.TaskUpdate
	Status              = model.Status
	StorageClass        = model.StorageClass
	Participant         = model.Participant
	InternalParticipant = model.InternalParticipant
	ExternalParticipant = model.ExternalParticipant
	ConfirmStatus       = model.ConfirmStatus
	Delta               = model.Delta
	Folder              = model.Folder
	FolderType          = model.FolderType
	FolderMapping       = model.FolderMapping
)

const (
	StatusNotStarted = model.StatusNotStarted
	StatusInProgress = model.StatusInProgress
	StatusDone       = model.StatusDone

	ClassActive  = model.ClassActive
	ClassRemoved = model.ClassRemoved
	ClassDeleted = model.ClassDeleted

	FolderPrivate = model.FolderPrivate
	FolderPublic  = model.FolderPublic
	FolderShared  = model.FolderShared
)

// Ports supplied by the embedding system.
type (
	PermissionOracle     = ports.PermissionOracle
	IdentityResolver     = ports.IdentityResolver
	RecurrenceCalculator = ports.RecurrenceCalculator
	NotificationSink     = ports.NotificationSink
)

// Read pipeline.
type (
	Iterator = stream.Iterator
	Record   = stream.Record
	Columns  = service.Columns
)

// Service is the transactional task mutation and streaming API.
type Service = service.TaskService

// Sentinel errors returned by Service operations.
var (
	ErrConflict         = errs.ErrConflict
	ErrNotFound         = errs.ErrNotFound
	ErrPermissionDenied = errs.ErrPermissionDenied
	ErrValidation       = errs.ErrValidation
	ErrInvalidState     = errs.ErrInvalidState
	ErrStorage          = errs.ErrStorage
)

// ErrExhausted is returned by Iterator.Next after the stream is drained.
var ErrExhausted = stream.ErrExhausted

// IsConflict reports whether err is an optimistic concurrency failure.
func IsConflict(err error) bool { return service.IsConflict(err) }

// Config wires a Service to its database and host-owned ports.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	Perms      PermissionOracle
	Resolver   IdentityResolver
	Recurrence RecurrenceCalculator
	Notify     NotificationSink

	// Logger defaults to zap.NewNop when nil.
	Logger *zap.Logger
}

// Core owns the connection pool behind a Service.
type Core struct {
	Service *Service
	db      *postgres.DB
}

// New connects to the database and assembles the service stack.
func New(ctx context.Context, cfg Config) (*Core, error) {
	if cfg.Perms == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("permission oracle and identity resolver are required: %w", errs.ErrValidation)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	svc := service.NewTaskService(service.Deps{
		Repo:       postgres.NewTaskRepo(db, log),
		Engine:     reconcile.New(cfg.Resolver, cfg.Perms),
		Perms:      cfg.Perms,
		Recurrence: cfg.Recurrence,
		Notify:     cfg.Notify,
		Reminders:  postgres.NewReminderRepo(db),
		Resolver:   cfg.Resolver,
		Logger:     log,
	})
	return &Core{Service: svc, db: db}, nil
}

// Close releases the connection pool.
func (c *Core) Close() { c.db.Close() }

// Migrate applies all pending schema migrations.
func Migrate(ctx context.Context, dsn string, log *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	return migrate.Up(ctx, db, log)
}
