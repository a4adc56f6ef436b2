package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"postpilot/internal/content"
	"postpilot/internal/rules"
	"postpilot/internal/scheduling"
	logx "postpilot/pkg/logx"
)

const userKey = "postpilot.user"

func requireUser(c *gin.Context) {
	u := strings.TrimSpace(c.GetHeader(UserHeader))
	if u == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": UserHeader + " header is required"})
		return
	}
	c.Set(userKey, u)
	c.Next()
}

func user(c *gin.Context) string { return c.GetString(userKey) }

// fail maps engine errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, content.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, scheduling.ErrInvalidInput), errors.Is(err, content.ErrMalformedSchedule):
		code = http.StatusBadRequest
	case errors.Is(err, content.ErrInvalidTransition), errors.Is(err, content.ErrConcurrencyConflict):
		code = http.StatusConflict
	case errors.Is(err, content.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, errors.New(key+" must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func (s *Server) health(c *gin.Context) {
	if err := s.svc.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) addContent(c *gin.Context) {
	var it content.Item
	if err := c.ShouldBindJSON(&it); err != nil {
		badRequest(c, err)
		return
	}
	created, err := s.svc.AddContent(c.Request.Context(), user(c), it)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getContent(c *gin.Context) {
	it, err := s.svc.Get(c.Request.Context(), user(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

type scheduleRequest struct {
	ScheduledTime time.Time `json:"scheduled_time" binding:"required"`
	// RuleCheck defaults to true.
	RuleCheck *bool `json:"rule_check"`
}

func (s *Server) schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	check := req.RuleCheck == nil || *req.RuleCheck
	res, err := s.svc.Schedule(c.Request.Context(), user(c), c.Param("id"), req.ScheduledTime, check)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type publishRequest struct {
	Force         bool   `json:"force"`
	CustomMessage string `json:"custom_message"`
}

func (s *Server) publish(c *gin.Context) {
	var req publishRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	res, err := s.svc.PublishNow(c.Request.Context(), user(c), c.Param("id"), req.Force, req.CustomMessage)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cancel(c *gin.Context) {
	ok, err := s.svc.Cancel(c.Request.Context(), user(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok, "item_id": c.Param("id")})
}

type checkRequest struct {
	ScheduledTime time.Time `json:"scheduled_time"`
	ContentType   string    `json:"content_type"`
	Text          string    `json:"text"`
}

func (s *Server) checkRules(c *gin.Context) {
	var req checkRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	typ, err := content.ParseType(req.ContentType)
	if err != nil {
		badRequest(c, err)
		return
	}
	dec, err := s.svc.CheckRules(c.Request.Context(), user(c), req.ScheduledTime, typ, req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

func (s *Server) listRules(c *gin.Context) {
	rs, err := s.svc.ListRules(c.Request.Context(), user(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if rs == nil {
		rs = []rules.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rs})
}

func (s *Server) putRule(c *gin.Context) {
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		badRequest(c, err)
		return
	}
	saved, err := s.svc.PutRule(c.Request.Context(), user(c), r)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) deleteRule(c *gin.Context) {
	ok, err := s.svc.DeleteRule(c.Request.Context(), user(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type batchScheduleRequest struct {
	ContentIDs     []string  `json:"content_ids"`
	StartTime      time.Time `json:"start_time"`
	StaggerMinutes int       `json:"stagger_minutes"`
}

func (s *Server) batchSchedule(c *gin.Context) {
	var req batchScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.StaggerMinutes < 0 {
		badRequest(c, errors.New("stagger_minutes must not be negative"))
		return
	}
	res, err := s.svc.BatchSchedule(c.Request.Context(), user(c), req.ContentIDs, req.StartTime, time.Duration(req.StaggerMinutes)*time.Minute)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type batchPublishRequest struct {
	ContentIDs    []string `json:"content_ids"`
	Force         bool     `json:"force"`
	CustomMessage string   `json:"custom_message"`
}

func (s *Server) batchPublish(c *gin.Context) {
	var req batchPublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.svc.BatchPublish(c.Request.Context(), user(c), req.ContentIDs, req.Force, req.CustomMessage)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// queue answers for the caller; scope=all returns the global snapshot.
func (s *Server) queue(c *gin.Context) {
	userID := user(c)
	if c.Query("scope") == "all" {
		userID = ""
	}
	snap, err := s.svc.QueueInfo(c.Request.Context(), userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) history(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	items, err := s.svc.History(c.Request.Context(), user(c), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if items == nil {
		items = []content.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) analytics(c *gin.Context) {
	days, ok := queryInt(c, "days")
	if !ok {
		return
	}
	a, err := s.svc.Analytics(c.Request.Context(), user(c), days)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) tick(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	stats, err := s.svc.RunDispatchTick(c.Request.Context(), limit)
	if err != nil {
		s.log.Warn("manual tick failed", logx.User(user(c)), logx.Err(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "stats": stats})
		return
	}
	s.log.Info("manual tick", logx.User(user(c)), logx.Int("attempted", stats.Attempted))
	c.JSON(http.StatusOK, stats)
}
