// Package cerberus is the admission gate in front of protected routes: geo
// gate, list membership, then the sliding-window limiter.
package cerberus

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
	"github.com/Wikid82/warden/internal/util"
)

// DecisionKey is the gin context key holding the admitted services.Decision.
const DecisionKey = "admission"

// Cerberus wires the admission path together.
type Cerberus struct {
	cfg       config.SecurityConfig
	lifecycle *services.LifecycleManager
	limiter   *services.RateLimiter
	flood     *services.FloodDetector
	clock     services.Clock
	log       *logrus.Entry
}

// New creates a new Cerberus instance
func New(cfg config.SecurityConfig, lifecycle *services.LifecycleManager, limiter *services.RateLimiter, flood *services.FloodDetector, clock services.Clock) *Cerberus {
	if clock == nil {
		clock = services.SystemClock()
	}
	return &Cerberus{cfg: cfg, lifecycle: lifecycle, limiter: limiter, flood: flood, clock: clock, log: logger.Component("cerberus")}
}

// Request builds the admission request for an inbound HTTP request.
func (c *Cerberus) Request(ctx *gin.Context) services.Request {
	path := ctx.Request.URL.Path
	req := services.Request{
		Subjects:  services.Subjects{IP: ctx.ClientIP()},
		Path:      path,
		UserAgent: ctx.Request.UserAgent(),
	}
	if c.cfg.APIKeyHeader != "" {
		req.APIKey = strings.TrimSpace(ctx.GetHeader(c.cfg.APIKeyHeader))
	}
	if c.cfg.CountryHeader != "" {
		req.Country = strings.ToUpper(strings.TrimSpace(ctx.GetHeader(c.cfg.CountryHeader)))
	}
	for _, prefix := range c.cfg.EndpointScoped {
		if strings.HasPrefix(path, prefix) {
			req.Endpoint = path
			break
		}
	}
	return req
}

// Evaluate runs the admission path for one request and records its event:
// the geo gate, then list membership (whitelist admits without a limit
// check, a block denies), then the rate limiter. Denials never consume
// quota. Store failures are returned, never turned into a decision.
func (c *Cerberus) Evaluate(ctx context.Context, req services.Request) (services.Decision, error) {
	id, err := req.Resolve()
	if err != nil {
		return services.Decision{}, err
	}
	deny := func(reason string) (services.Decision, error) {
		d := services.Decision{Reason: reason, Identifier: id.Identifier, Kind: id.Kind}
		eventID, err := c.limiter.RecordDenied(ctx, req, reason)
		if err != nil {
			return services.Decision{}, err
		}
		d.EventID = eventID
		return d, nil
	}

	if c.flood != nil && !c.flood.GeoAllowed(req.Country) {
		return deny(services.ReasonGeoBlocked)
	}

	st, err := c.lifecycle.Resolve(ctx, id)
	if err != nil {
		return services.Decision{}, err
	}
	switch st.Membership {
	case models.MembershipWhitelisted:
		eventID, err := c.limiter.RecordAllowed(ctx, req)
		if err != nil {
			return services.Decision{}, err
		}
		return services.Decision{Allowed: true, Identifier: id.Identifier, Kind: id.Kind, EventID: eventID}, nil
	case models.MembershipBlacklisted:
		return deny(services.ReasonBlacklisted)
	case models.MembershipTempBlocked:
		reason := services.ReasonTempBlocked
		if st.Record != nil && st.Record.Source == models.SourceDDoS {
			reason = services.ReasonDDoSBlock
		}
		d, err := deny(reason)
		if err == nil && st.ExpiresAt != nil {
			d.RetryAfter = st.ExpiresAt.Sub(c.clock.Now())
			d.RetryAfterSeconds = int(math.Ceil(d.RetryAfter.Seconds()))
		}
		return d, err
	}

	return c.limiter.Admit(ctx, req)
}

// Middleware returns a Gin middleware that enforces admission on every request.
func (c *Cerberus) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		req := c.Request(ctx)
		d, err := c.Evaluate(ctx.Request.Context(), req)
		if err != nil {
			c.fail(ctx, req, err)
			return
		}
		metrics.ObserveAdmission(d.Allowed, d.Reason)

		if !d.Allowed {
			status := http.StatusForbidden
			if d.Reason == services.ReasonRateLimited {
				status = http.StatusTooManyRequests
			}
			if d.RetryAfterSeconds > 0 {
				ctx.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
			}
			c.complete(ctx, d.EventID, status)
			c.log.WithFields(logrus.Fields{
				"identifier": d.Identifier,
				"reason":     d.Reason,
				"path":       req.Path,
				"request_id": ctx.GetString("requestID"),
			}).Info("request denied")
			body := gin.H{"error": "request denied", "reason": d.Reason}
			if d.RetryAfterSeconds > 0 {
				body["retry_after"] = d.RetryAfterSeconds
			}
			ctx.AbortWithStatusJSON(status, body)
			return
		}

		ctx.Set(DecisionKey, d)
		ctx.Next()
		c.complete(ctx, d.EventID, ctx.Writer.Status())
	}
}

func (c *Cerberus) fail(ctx *gin.Context, req services.Request, err error) {
	entry := c.log.WithError(err).WithField("ip", req.IP)
	if req.APIKey != "" {
		entry = entry.WithField("api_key", util.MaskSecret(req.APIKey))
	}
	switch {
	case errors.Is(err, services.ErrInvalidSubject):
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrStoreUnavailable):
		metrics.IncStoreUnavailable(c.cfg.FailOpen)
		if c.cfg.FailOpen {
			entry.Warn("admission store unavailable, failing open")
			ctx.Next()
			return
		}
		entry.Error("admission store unavailable, failing closed")
		ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admission unavailable"})
	default:
		entry.Error("admission failed")
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "admission failed"})
	}
}

// complete stores the response code; it must outlive a cancelled client.
func (c *Cerberus) complete(ctx *gin.Context, eventID uint64, status int) {
	if err := c.limiter.Complete(context.WithoutCancel(ctx.Request.Context()), eventID, status); err != nil {
		c.log.WithError(err).WithField("event_id", eventID).Debug("failed to record response code")
	}
}
