package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/yuin/goldmark"

	"github.com/nugget/quarry/internal/buildinfo"
	"github.com/nugget/quarry/internal/health"
	"github.com/nugget/quarry/internal/ledger"
	"github.com/nugget/quarry/internal/orchestrator"
	"github.com/nugget/quarry/internal/responder"
	"github.com/nugget/quarry/internal/tools"
)

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Query     string            `json:"query"`
	Persona   string            `json:"persona"`
	SessionID string            `json:"session_id,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Caller    struct {
		Identity    string   `json:"identity,omitempty"`
		Permissions []string `json:"permissions,omitempty"`
	} `json:"caller"`
}

// QueryResult is the response of POST /v1/query. ResponseHTML is set
// for ?format=html.
type QueryResult struct {
	orchestrator.QueryResponse
	ResponseHTML string `json:"response_html,omitempty"`
}

// handleQuery answers a query. Failures are reported in the body with
// success=false; the status is 200 unless the request itself is
// malformed.
func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	resp := s.d.Orchestrator.ProcessQuery(c.Request().Context(), orchestrator.Query{
		Text:      req.Query,
		Persona:   req.Persona,
		SessionID: req.SessionID,
		Params:    req.Params,
		Caller: tools.CallerContext{
			Identity:    req.Caller.Identity,
			Permissions: req.Caller.Permissions,
		},
	})

	out := QueryResult{QueryResponse: resp}
	if c.QueryParam("format") == "html" && resp.ResponseText != "" {
		html, err := renderMarkdown(resp.ResponseText)
		if err != nil {
			s.logger.Warn("markdown render failed", "query_id", resp.QueryID, "error", err)
		} else {
			out.ResponseHTML = html
		}
	}
	return c.JSON(http.StatusOK, out)
}

func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type personaInfo struct {
	Persona    string           `json:"persona"`
	Responders []responder.Info `json:"responders"`
}

func (s *Server) handlePersonas(c echo.Context) error {
	var out []personaInfo
	for _, p := range s.d.Responders.Personas() {
		set, err := s.d.Responders.Resolve(p)
		if err != nil {
			continue
		}
		info := personaInfo{Persona: p}
		for _, r := range []*responder.Responder{set.Query, set.Specialist} {
			if r != nil {
				info.Responders = append(info.Responders, r.Info())
			}
		}
		out = append(out, info)
	}
	return c.JSON(http.StatusOK, map[string]any{"personas": out})
}

func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.d.Sessions.List()})
}

func (s *Server) handleSessionMemory(c echo.Context) error {
	id := c.Param("id")
	n := 0
	if v := c.QueryParam("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			return errorJSON(c, http.StatusBadRequest, "n must be a non-negative integer")
		}
		n = parsed
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   s.d.Memory.Messages(id, n),
	})
}

func (s *Server) handleClearMemory(c echo.Context) error {
	s.d.Memory.Clear(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSessionCost(c echo.Context) error {
	id := c.Param("id")
	records := s.d.Ledger.SessionRecords(id)
	if records == nil {
		records = []ledger.CostRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": id,
		"totals":     s.d.Ledger.SessionTotal(id),
		"records":    records,
	})
}

func (s *Server) handleDailyCost(c echo.Context) error {
	date := time.Now().UTC()
	if v := c.QueryParam("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		date = parsed
	}
	return c.JSON(http.StatusOK, map[string]any{
		"date":   date.Format("2006-01-02"),
		"totals": s.d.Ledger.DailyTotal(date),
	})
}

func (s *Server) handleCacheInvalidate(c echo.Context) error {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Pattern == "" {
		return errorJSON(c, http.StatusBadRequest, "pattern is required")
	}
	n, err := s.d.Cache.Invalidate(req.Pattern)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	s.logger.Info("cache invalidated", "pattern", req.Pattern, "removed", n)
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.d.Cache.Stats())
}

func (s *Server) handleRouterStats(c echo.Context) error {
	if s.d.Router == nil {
		return errorJSON(c, http.StatusNotFound, "router introspection unavailable")
	}
	return c.JSON(http.StatusOK, s.d.Router.Stats())
}

func (s *Server) handleRouterAudit(c echo.Context) error {
	if s.d.Router == nil {
		return errorJSON(c, http.StatusNotFound, "router introspection unavailable")
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}
	return c.JSON(http.StatusOK, map[string]any{"decisions": s.d.Router.AuditLog(limit)})
}

func (s *Server) handleRouterExplain(c echo.Context) error {
	if s.d.Router == nil {
		return errorJSON(c, http.StatusNotFound, "router introspection unavailable")
	}
	d := s.d.Router.Explain(c.Param("id"))
	if d == nil {
		return errorJSON(c, http.StatusNotFound, "decision not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "healthy"
	var providers []health.Status
	if s.d.Health != nil {
		providers = s.d.Health.Status()
		if !s.d.Health.Healthy() {
			status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    status,
		"providers": providers,
		"sessions":  s.d.Sessions.Active(),
		"memory":    s.d.Memory.Stats(),
		"cache":     s.d.Cache.Stats(),
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, buildinfo.Info())
}
