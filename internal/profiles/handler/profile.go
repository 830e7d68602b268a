// Package handler exposes the profile service over HTTP.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/auth"
	"github.com/jmerrifield20/profilesync/internal/jobs"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/profiles/service"
	"go.uber.org/zap"
)

// ProfileHandler handles HTTP requests for profiles, follows and invites.
type ProfileHandler struct {
	svc    *service.ProfileService
	tokens *auth.Issuer // nil = open mode, no bearer tokens required
	logger *zap.Logger
}

// NewProfileHandler creates a new ProfileHandler. tokens may be nil.
func NewProfileHandler(svc *service.ProfileService, tokens *auth.Issuer, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{svc: svc, tokens: tokens, logger: logger}
}

func (h *ProfileHandler) requireToken() gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.RequireToken(h.tokens)
}

func (h *ProfileHandler) requireAdmin() gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.RequireAdmin()
}

// Register registers all profile routes on the given router group.
func (h *ProfileHandler) Register(rg *gin.RouterGroup) {
	api := rg.Group("", h.requireToken())

	profiles := api.Group("/profiles")
	{
		profiles.POST("", h.Connect)
		profiles.GET("/:id", h.Get)
		profiles.PUT("/:id", h.Update)
		profiles.DELETE("/:id", h.requireAdmin(), h.Delete)
		profiles.DELETE("/:id/registration", h.Unregister)
		profiles.POST("/:id/tasks/:kind", h.Enqueue)

		profiles.GET("/:id/followers", h.Followers)
		profiles.GET("/:id/followers/uninvited", h.UninvitedFollowers)
		profiles.GET("/:id/following", h.Following)
		profiles.GET("/:id/follows/:follower_id", h.GetFollow)
		profiles.PUT("/:id/follows/:follower_id", h.PutFollow)
		profiles.DELETE("/:id/follows/:follower_id", h.DeleteFollow)

		profiles.GET("/:id/inviters", h.Inviters)
		profiles.GET("/:id/inviting", h.Inviting)
		profiles.GET("/:id/inviters/following/:followee_id", h.InvitersFollowing)
		profiles.GET("/:id/invites/from/:inviter_id", h.GetInvite)
		profiles.PUT("/:id/invites/from/:inviter_id", h.PutInvite)
		profiles.DELETE("/:id/invites/from/:inviter_id", h.DeleteInvite)
	}

	people := api.Group("/people/:person_id")
	{
		people.GET("/profiles", h.ListForPerson)
		people.GET("/profiles/:network", h.GetForPerson)
		people.DELETE("/registration", h.UnregisterPerson)
	}

	api.GET("/networks/:network/profiles/:uid", h.FindByUID)
}

// ── Profiles ─────────────────────────────────────────────────────────────────

// Connect handles POST /profiles.
func (h *ProfileHandler) Connect(c *gin.Context) {
	var req service.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, created, err := h.svc.Connect(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "failed to connect profile")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"profile": p})
}

// Get handles GET /profiles/:id.
func (h *ProfileHandler) Get(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	get := h.svc.Get
	if c.Query("onboarded_only") == "true" {
		get = h.svc.GetOnboarded
	}
	v, err := get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to get profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": v})
}

// Update handles PUT /profiles/:id.
func (h *ProfileHandler) Update(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var fields service.ProfileFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.svc.Update(c.Request.Context(), id, fields)
	if err != nil {
		h.fail(c, err, "failed to update profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// Delete handles DELETE /profiles/:id.
func (h *ProfileHandler) Delete(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err, "failed to delete profile")
		return
	}
	c.Status(http.StatusNoContent)
}

// Unregister handles DELETE /profiles/:id/registration.
func (h *ProfileHandler) Unregister(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	p, err := h.svc.Unregister(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to unregister profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// Enqueue handles POST /profiles/:id/tasks/:kind.
func (h *ProfileHandler) Enqueue(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	kind, err := jobs.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	queued, err := h.svc.Enqueue(c.Request.Context(), id, kind)
	if err != nil {
		h.fail(c, err, "failed to enqueue task")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"kind": kind, "queued": queued})
}

// ListForPerson handles GET /people/:person_id/profiles.
func (h *ProfileHandler) ListForPerson(c *gin.Context) {
	personID, ok := personParam(c)
	if !ok {
		return
	}
	list, err := h.svc.ListForPerson(c.Request.Context(), personID)
	if err != nil {
		h.fail(c, err, "failed to list profiles")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": nonNil(list), "count": len(list)})
}

// GetForPerson handles GET /people/:person_id/profiles/:network.
func (h *ProfileHandler) GetForPerson(c *gin.Context) {
	personID, ok := personParam(c)
	if !ok {
		return
	}
	v, err := h.svc.GetForPerson(c.Request.Context(), personID, c.Param("network"))
	if err != nil {
		h.fail(c, err, "failed to get profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": v})
}

// UnregisterPerson handles DELETE /people/:person_id/registration.
func (h *ProfileHandler) UnregisterPerson(c *gin.Context) {
	personID, ok := personParam(c)
	if !ok {
		return
	}
	n, err := h.svc.UnregisterPerson(c.Request.Context(), personID)
	if err != nil {
		h.fail(c, err, "failed to unregister person")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unregistered": n})
}

// FindByUID handles GET /networks/:network/profiles/:uid.
func (h *ProfileHandler) FindByUID(c *gin.Context) {
	v, err := h.svc.FindByUID(c.Request.Context(), c.Param("network"), c.Param("uid"))
	if err != nil {
		h.fail(c, err, "failed to find profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": v})
}

// ── Follows ──────────────────────────────────────────────────────────────────

// Followers handles GET /profiles/:id/followers. Query parameters: rank,
// onboarded_only, limit, offset and a repeatable follower_id.
func (h *ProfileHandler) Followers(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	q := repository.FollowerQuery{
		ByRank:        c.Query("rank") == "true",
		OnboardedOnly: c.Query("onboarded_only") == "true",
		Limit:         queryInt(c, "limit", 0),
		Offset:        queryInt(c, "offset", 0),
	}
	for _, raw := range c.QueryArray("follower_id") {
		fid, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid follower_id " + raw})
			return
		}
		q.FollowerIDs = append(q.FollowerIDs, fid)
	}
	list, err := h.svc.Followers(c.Request.Context(), id, q)
	if err != nil {
		h.fail(c, err, "failed to list followers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": nonNil(list), "count": len(list)})
}

// UninvitedFollowers handles GET /profiles/:id/followers/uninvited.
func (h *ProfileHandler) UninvitedFollowers(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	q := service.UninvitedQuery{
		Name:   c.Query("name"),
		Limit:  queryInt(c, "limit", 0),
		Offset: queryInt(c, "offset", 0),
		Random: c.Query("random") == "true",
	}
	list, err := h.svc.UninvitedFollowers(c.Request.Context(), id, q)
	if err != nil {
		h.fail(c, err, "failed to list uninvited followers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": nonNil(list), "count": len(list)})
}

// Following handles GET /profiles/:id/following.
func (h *ProfileHandler) Following(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	list, err := h.svc.Following(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to list following")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": nonNil(list), "count": len(list)})
}

// GetFollow handles GET /profiles/:id/follows/:follower_id.
func (h *ProfileHandler) GetFollow(c *gin.Context) {
	id, followerID, ok := uuidPair(c, "follower_id")
	if !ok {
		return
	}
	f, err := h.svc.GetFollow(c.Request.Context(), id, followerID)
	if err != nil {
		h.fail(c, err, "failed to get follow")
		return
	}
	c.JSON(http.StatusOK, gin.H{"follow": followJSON(f)})
}

// PutFollow handles PUT /profiles/:id/follows/:follower_id.
func (h *ProfileHandler) PutFollow(c *gin.Context) {
	id, followerID, ok := uuidPair(c, "follower_id")
	if !ok {
		return
	}
	var req service.PutFollowRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	f, created, err := h.svc.PutFollow(c.Request.Context(), id, followerID, req)
	if err != nil {
		h.fail(c, err, "failed to save follow")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"follow": followJSON(f)})
}

// DeleteFollow handles DELETE /profiles/:id/follows/:follower_id.
func (h *ProfileHandler) DeleteFollow(c *gin.Context) {
	id, followerID, ok := uuidPair(c, "follower_id")
	if !ok {
		return
	}
	if err := h.svc.DeleteFollow(c.Request.Context(), id, followerID); err != nil {
		h.fail(c, err, "failed to delete follow")
		return
	}
	c.Status(http.StatusNoContent)
}

// ── Invites ──────────────────────────────────────────────────────────────────

// Inviters handles GET /profiles/:id/inviters.
func (h *ProfileHandler) Inviters(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	list, err := h.svc.Inviters(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to list inviters")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": nonNil(list), "count": len(list)})
}

// Inviting handles GET /profiles/:id/inviting.
func (h *ProfileHandler) Inviting(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	list, err := h.svc.Inviting(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to list invitees")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": nonNil(list), "count": len(list)})
}

// InvitersFollowing handles GET /profiles/:id/inviters/following/:followee_id.
func (h *ProfileHandler) InvitersFollowing(c *gin.Context) {
	id, followeeID, ok := uuidPair(c, "followee_id")
	if !ok {
		return
	}
	list, err := h.svc.InvitersFollowing(c.Request.Context(), id, followeeID)
	if err != nil {
		h.fail(c, err, "failed to list inviters")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": nonNil(list), "count": len(list)})
}

// GetInvite handles GET /profiles/:id/invites/from/:inviter_id.
func (h *ProfileHandler) GetInvite(c *gin.Context) {
	id, inviterID, ok := uuidPair(c, "inviter_id")
	if !ok {
		return
	}
	inv, err := h.svc.GetInvite(c.Request.Context(), id, inviterID)
	if err != nil {
		h.fail(c, err, "failed to get invite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite": inv})
}

// PutInvite handles PUT /profiles/:id/invites/from/:inviter_id.
func (h *ProfileHandler) PutInvite(c *gin.Context) {
	id, inviterID, ok := uuidPair(c, "inviter_id")
	if !ok {
		return
	}
	inv, created, err := h.svc.PutInvite(c.Request.Context(), id, inviterID)
	if err != nil {
		h.fail(c, err, "failed to save invite")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"invite": inv})
}

// DeleteInvite handles DELETE /profiles/:id/invites/from/:inviter_id.
func (h *ProfileHandler) DeleteInvite(c *gin.Context) {
	id, inviterID, ok := uuidPair(c, "inviter_id")
	if !ok {
		return
	}
	if err := h.svc.DeleteInvite(c.Request.Context(), id, inviterID); err != nil {
		h.fail(c, err, "failed to delete invite")
		return
	}
	c.Status(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// fail maps service errors to HTTP statuses. Unexpected errors are logged
// and answered with msg only.
func (h *ProfileHandler) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, repository.ErrDuplicate), errors.Is(err, service.ErrOwnedByOtherPerson):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrNetworkMismatch), errors.Is(err, model.ErrUnknownNetwork):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNoDispatcher), errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func uuidPair(c *gin.Context, other string) (uuid.UUID, uuid.UUID, bool) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	otherID, ok := uuidParam(c, other)
	return id, otherID, ok
}

func personParam(c *gin.Context) (int64, bool) {
	n, err := strconv.ParseInt(c.Param("person_id"), 10, 64)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid person_id"})
		return 0, false
	}
	return n, true
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func nonNil(list []*model.Profile) []*model.Profile {
	if list == nil {
		return []*model.Profile{}
	}
	return list
}

func followJSON(f *model.Follow) gin.H {
	out := gin.H{
		"id":          f.ID,
		"profile_id":  f.ProfileID,
		"follower_id": f.FollowerID,
		"created_at":  f.CreatedAt,
		"updated_at":  f.UpdatedAt,
	}
	if f.Rank != nil {
		out["rank"] = f.Rank.Params()
		out["rank_value"] = f.RankValue()
	}
	return out
}
