package server

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/gatekeeper"
	"github.com/PentesterFlow/MarketInsights/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// AnalyzeRequest is the body of POST /api/analyze.
type AnalyzeRequest struct {
	Keyword string `json:"keyword"`
	NoQueue bool   `json:"no_queue"`
}

// TicketResponse describes a ticket.
type TicketResponse struct {
	ID       string `json:"id"`
	Keyword  string `json:"keyword,omitempty"`
	Position int    `json:"position"`
	Events   string `json:"events"`
}

// ErrorResponse carries a classified failure.
type ErrorResponse struct {
	Error *model.Failure `json:"error"`
}

func (s *Server) health(c *gin.Context) {
	active, queued := s.service.Busy()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"active": active,
		"queued": queued,
	})
}

func (s *Server) analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewInvalidInputError("", "request body must be JSON with a keyword"))
		return
	}

	ticket, err := s.service.Submit(c.Request.Context(), req.Keyword, gatekeeper.SubmitOptions{NoQueue: req.NoQueue})
	if err != nil {
		s.fail(c, err)
		return
	}

	s.log.WithTicket(ticket.ID).WithKeyword(ticket.Keyword).Infof("accepted at position %d", ticket.Position)
	c.JSON(http.StatusAccepted, TicketResponse{
		ID:       ticket.ID,
		Keyword:  ticket.Keyword,
		Position: ticket.Position,
		Events:   eventsPath(ticket.ID),
	})
}

func (s *Server) ticketStatus(c *gin.Context) {
	id := c.Param("id")
	position, ok := s.service.Status(id)
	if !ok {
		s.fail(c, gatekeeper.ErrUnknownTicket)
		return
	}
	c.JSON(http.StatusOK, TicketResponse{ID: id, Position: position, Events: eventsPath(id)})
}

func (s *Server) cancelTicket(c *gin.Context) {
	if err := s.service.Cancel(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reports(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	reports, err := s.service.History(c.Request.Context(), c.Query("keyword"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if reports == nil {
		reports = []model.Report{}
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) runs(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	runs, err := s.service.Runs(c.Request.Context(), c.Query("keyword"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []model.ScrapeRun{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Metrics().Snapshot().Summary())
}

// limit parses the limit query parameter, answering 400 when it is not a
// positive number.
func (s *Server) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		s.fail(c, errors.NewInvalidInputError(c.Query("keyword"), "limit must be a positive integer"))
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// fail writes err as a classified failure with a matching status code.
func (s *Server) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	failure := failureFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Warnf("%s %s failed", c.Request.Method, c.FullPath())
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: failure})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case stderrors.Is(err, gatekeeper.ErrUnknownTicket):
		return http.StatusNotFound
	case stderrors.Is(err, gatekeeper.ErrAlreadySubscribed):
		return http.StatusConflict
	case stderrors.Is(err, gatekeeper.ErrClosed):
		return http.StatusServiceUnavailable
	}

	switch errors.GetErrorType(err) {
	case errors.InvalidInput:
		return http.StatusBadRequest
	case errors.Busy:
		return http.StatusTooManyRequests
	case errors.Storage:
		return http.StatusServiceUnavailable
	case errors.Blocked:
		return http.StatusBadGateway
	case errors.TimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func failureFor(err error) *model.Failure {
	switch {
	case stderrors.Is(err, gatekeeper.ErrUnknownTicket),
		stderrors.Is(err, gatekeeper.ErrAlreadySubscribed):
		return &model.Failure{
			Type:    errors.InvalidInput.String(),
			Message: err.Error(),
			Remedy:  "Submit the keyword again to get a new ticket.",
		}
	case stderrors.Is(err, gatekeeper.ErrClosed):
		return &model.Failure{
			Type:    errors.Cancelled.String(),
			Message: err.Error(),
			Remedy:  errors.Cancelled.Remedy(),
		}
	}
	return errors.ToFailure(err, "")
}

func eventsPath(id string) string {
	return "/api/tickets/" + id + "/events"
}
