// Package directory resolves branch and employee display names for
// applications and loans.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnknown is returned by a Source that has no entry for an id.
var ErrUnknown = errors.New("unknown directory entry")

// Source looks names up in the system of record.
type Source interface {
	BranchName(ctx context.Context, branchID string) (string, error)
	EmployeeName(ctx context.Context, employeeID string) (string, error)
}

// StaticSource is a Source backed by fixed maps.
type StaticSource struct {
	Branches  map[string]string
	Employees map[string]string
}

func (s StaticSource) BranchName(ctx context.Context, branchID string) (string, error) {
	return lookup(s.Branches, branchID)
}

func (s StaticSource) EmployeeName(ctx context.Context, employeeID string) (string, error) {
	return lookup(s.Employees, employeeID)
}

// lookup falls back to the lowercased id; config loaders lowercase map keys.
func lookup(names map[string]string, id string) (string, error) {
	if name, ok := names[id]; ok {
		return name, nil
	}
	if name, ok := names[strings.ToLower(id)]; ok {
		return name, nil
	}
	return "", ErrUnknown
}

// Resolver wraps a Source with an optional Redis cache. Lookups never fail:
// when the source errors a placeholder label is returned instead.
type Resolver struct {
	source Source
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver creates a Resolver. cache may be nil to disable caching.
func NewResolver(source Source, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Resolver{source: source, cache: cache, ttl: ttl, logger: logger.Named("directory")}
}

// BranchName returns the branch label, or "Branch #<id>" when it cannot be resolved.
func (r *Resolver) BranchName(ctx context.Context, branchID string) string {
	if branchID == "" {
		return ""
	}
	return r.resolve(ctx, "branch", branchID, fmt.Sprintf("Branch #%s", branchID), r.sourceBranch)
}

// EmployeeName returns the employee label, or "Employee <id>" when it cannot be resolved.
func (r *Resolver) EmployeeName(ctx context.Context, employeeID string) string {
	if employeeID == "" {
		return ""
	}
	return r.resolve(ctx, "employee", employeeID, fmt.Sprintf("Employee %s", employeeID), r.sourceEmployee)
}

func (r *Resolver) sourceBranch(ctx context.Context, id string) (string, error) {
	if r.source == nil {
		return "", ErrUnknown
	}
	return r.source.BranchName(ctx, id)
}

func (r *Resolver) sourceEmployee(ctx context.Context, id string) (string, error) {
	if r.source == nil {
		return "", ErrUnknown
	}
	return r.source.EmployeeName(ctx, id)
}

func (r *Resolver) resolve(ctx context.Context, kind, id, placeholder string,
	lookup func(context.Context, string) (string, error)) string {
	key := "directory:" + kind + ":" + id
	if r.cache != nil {
		name, err := r.cache.Get(ctx, key).Result()
		if err == nil {
			return name
		}
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("directory cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	name, err := lookup(ctx, id)
	if err != nil || name == "" {
		r.logger.Warn("directory lookup failed, using placeholder",
			zap.String("kind", kind), zap.String("id", id), zap.Error(err))
		return placeholder
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, name, r.ttl).Err(); err != nil {
			r.logger.Warn("directory cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return name
}
