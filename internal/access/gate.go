// Package access gates every friend-calendar read behind a live
// permission check and drives cache purging on revocation.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	applog "friendcal/internal/log"
	"friendcal/internal/model"
)

// ErrPermissionDenied reports that the viewer may not see the owner's
// calendar. The sync layer surfaces it as an empty result, not a fault.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionChecker answers whether a viewer may see an owner's
// calendar. Results are computed fresh on every call and never cached
// for authorization decisions.
type PermissionChecker interface {
	Check(ctx context.Context, viewerID, ownerID string) (model.Permission, error)
}

// Gate validates access on every read and reacts to permission
// changes. OnRevoke is invoked when access is revoked; it must purge
// both cache layers for the owner and deregister the owner's feed.
type Gate struct {
	checker  PermissionChecker
	onRevoke func(ctx context.Context, ownerID string) error
}

// NewGate creates a Gate. onRevoke may be nil when no purge hook is
// wired (tests).
func NewGate(checker PermissionChecker, onRevoke func(ctx context.Context, ownerID string) error) *Gate {
	return &Gate{checker: checker, onRevoke: onRevoke}
}

// ValidateAccess performs a live permission check. An accepted
// friendship with role viewer, contributor, editor or owner passes;
// any other status yields ErrPermissionDenied.
func (g *Gate) ValidateAccess(ctx context.Context, viewerID, ownerID string) (model.Role, error) {
	perm, err := g.checker.Check(ctx, viewerID, ownerID)
	if err != nil {
		return model.RoleNone, fmt.Errorf("checking permission: %w", err)
	}
	if !perm.HasAccess || perm.Role == model.RoleNone {
		return model.RoleNone, ErrPermissionDenied
	}
	return perm.Role, nil
}

// OnPermissionChange reacts to a permission event for the owner. A
// revocation purges all cached state for that owner; a (re)grant takes
// no proactive action, the next read performs a normal fetch.
func (g *Gate) OnPermissionChange(ctx context.Context, ownerID string, hasAccess bool) error {
	if hasAccess {
		applog.Debug("permission granted, no proactive action", "owner_id", ownerID)
		return nil
	}
	applog.Info("permission revoked, purging cached state", "owner_id", ownerID)
	if g.onRevoke == nil {
		return nil
	}
	return g.onRevoke(ctx, ownerID)
}

// HTTPPermissionChecker queries the external friend/permission service.
type HTTPPermissionChecker struct {
	baseURL string
	http    *http.Client
}

// NewHTTPPermissionChecker creates a checker for the given base URL.
func NewHTTPPermissionChecker(baseURL string) *HTTPPermissionChecker {
	return &HTTPPermissionChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Check asks the permission service for the (viewer, owner) pair.
func (c *HTTPPermissionChecker) Check(ctx context.Context, viewerID, ownerID string) (model.Permission, error) {
	query := url.Values{}
	query.Set("viewer", viewerID)
	query.Set("owner", ownerID)

	endpoint := c.baseURL + "/permissions?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Permission{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Permission{}, fmt.Errorf("permission service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Permission{}, fmt.Errorf("permission service: %s", resp.Status)
	}

	var payload struct {
		HasAccess  bool   `json:"has_access"`
		Permission string `json:"permission"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.Permission{}, fmt.Errorf("permission service: decoding: %w", err)
	}

	return model.Permission{
		HasAccess: payload.HasAccess,
		Role:      model.ParseRole(payload.Permission),
	}, nil
}
