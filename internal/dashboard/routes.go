package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/lifecycle"
	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/store"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, e *lifecycle.Engine) {
	api := router.Group("/api")

	api.GET("/summary", handleSummary(e))
	api.GET("/items", handleItemList(e))
	api.GET("/items/:id", handleItemDetail(e))
	api.GET("/items/:id/events", handleItemEvents(e))
	api.GET("/items/:id/sessions", handleItemSessions(e))
	api.GET("/groups", handleGroupList(e))
	api.GET("/groups/:id", handleGroupDetail(e))

	api.POST("/items/:id/approvals/:gate", handleApprove(e))
	api.POST("/items/:id/reconcile", handleReconcile(e))

	api.GET("/events", handleSSE(e.DB()))
}

func handleSummary(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := StatusSummary(e.DB())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func handleItemList(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters store.ListFilters
		if s := c.Query("status"); s != "" {
			if !models.ValidItemStatus(s) {
				writeError(c, &errs.ValidationError{Unmet: []string{"unknown status " + strconv.Quote(s)}})
				return
			}
			filters.Status = s
		}
		if g := c.Query("group"); g != "" {
			gid, err := strconv.ParseUint(g, 10, 64)
			if err != nil {
				writeError(c, &errs.ValidationError{Unmet: []string{"group must be a numeric id"}})
				return
			}
			id := uint(gid)
			filters.GroupID = &id
		}
		items, err := e.List(filters)
		if err != nil {
			writeError(c, err)
			return
		}
		rows := make([]ItemRow, len(items))
		for i := range items {
			rows[i] = toItemRow(&items[i])
		}
		c.JSON(http.StatusOK, gin.H{"items": rows})
	}
}

func handleItemDetail(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		detail, err := GetItemDetail(c.Request.Context(), e, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

func handleItemEvents(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		events, err := e.Events(id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func handleItemSessions(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		logs, err := e.WorkerLogs(id)
		if err != nil {
			writeError(c, err)
			return
		}
		if logs == nil {
			logs = []models.WorkerLog{}
		}
		resp := gin.H{"sessions": logs}
		if p, err := e.PollParallelPhase(id); err == nil {
			resp["live"] = p
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleGroupList(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		groups, err := e.ListGroups()
		if err != nil {
			writeError(c, err)
			return
		}
		rows := make([]GroupRow, 0, len(groups))
		for _, g := range groups {
			report, err := e.GroupStatus(g.ID)
			if err != nil {
				writeError(c, err)
				return
			}
			rows = append(rows, toGroupRow(report))
		}
		c.JSON(http.StatusOK, gin.H{"groups": rows})
	}
}

func handleGroupDetail(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		report, err := e.GroupStatus(id)
		if err != nil {
			writeError(c, err)
			return
		}
		members := make([]ItemRow, len(report.Members))
		for i := range report.Members {
			members[i] = toItemRow(&report.Members[i])
		}
		c.JSON(http.StatusOK, gin.H{"group": toGroupRow(report), "members": members})
	}
}

type approvalRequest struct {
	Comment string `json:"comment"`
}

func handleApprove(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var req approvalRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeError(c, &errs.ValidationError{ItemID: id, Unmet: []string{"invalid request body: " + err.Error()}})
				return
			}
		}
		it, err := e.RecordApproval(c.Request.Context(), id, c.Param("gate"), req.Comment)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toItemRow(it))
	}
}

func handleReconcile(e *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		out, err := e.Reconcile(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"item_id": out.ItemID, "moved": out.Moved, "from": out.From, "to": out.To})
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(c, &errs.ValidationError{Unmet: []string{"id must be a positive integer"}})
		return 0, false
	}
	return uint(id), true
}

// writeError maps a lifecycle error to its HTTP status.
func writeError(c *gin.Context, err error) {
	var nf *errs.NotFoundError
	var se *errs.StateError
	var ve *errs.ValidationError
	var ce *errs.ConflictError
	var le *errs.LocationError
	code := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}
	switch {
	case errors.As(err, &nf):
		code = http.StatusNotFound
	case errors.As(err, &se):
		code = http.StatusConflict
		if len(se.Offenders) > 0 {
			body["offenders"] = se.Offenders
		}
	case errors.As(err, &ce):
		code = http.StatusConflict
		if len(ce.Overlaps) > 0 {
			body["overlaps"] = ce.Overlaps
		}
	case errors.As(err, &ve):
		code = http.StatusUnprocessableEntity
		body["unmet"] = ve.Unmet
	case errors.As(err, &le):
		body["expected"] = le.Expected
	}
	c.AbortWithStatusJSON(code, body)
}
