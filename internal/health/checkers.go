package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbeaumont/escrowd/internal/endpoint"
	"github.com/mbeaumont/escrowd/internal/session"
)

// DBChecker pings the database with a short deadline.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// EndpointPoolChecker reports unhealthy when any wallet role has no
// endpoint left with a closed circuit. A role at zero means new escrows
// for that role cannot open sessions.
func EndpointPoolChecker(pool *endpoint.Pool) Checker {
	return func(_ context.Context) Status {
		avail := pool.Available()
		for _, role := range endpoint.Roles {
			if avail[role] == 0 {
				return Status{
					Name:    "endpoint_pool",
					Healthy: false,
					Detail:  fmt.Sprintf("no healthy %s endpoints", role),
				}
			}
		}
		return Status{Name: "endpoint_pool", Healthy: true}
	}
}

// SessionChecker reports session manager occupancy. It never fails the
// readiness check on its own; a full manager is load, not an outage.
func SessionChecker(mgr *session.Manager) Checker {
	return func(_ context.Context) Status {
		stats := mgr.Stats()
		return Status{
			Name:    "sessions",
			Healthy: true,
			Detail:  fmt.Sprintf("%d/%d active", stats.Active, stats.Capacity),
		}
	}
}
