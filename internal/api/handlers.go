package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailmove/internal/jobs"
	"github.com/Martian-dev/mailmove/internal/model"
)

type accountRequest struct {
	Provider    model.Provider `json:"provider" binding:"required"`
	Email       string         `json:"email" binding:"required"`
	DisplayName string         `json:"display_name"`
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	Username    string         `json:"username"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, err := s.jobs.CreateAccount(c.Request.Context(), &model.Account{
		Provider:    req.Provider,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Host:        req.Host,
		Port:        req.Port,
		Username:    req.Username,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) listAccounts(c *gin.Context) {
	accts, err := s.jobs.ListAccounts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if accts == nil {
		accts = []model.Account{}
	}
	c.JSON(http.StatusOK, accts)
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.jobs.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) accountStats(c *gin.Context) {
	stats, err := s.jobs.AccountStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) accountCalendars(c *gin.Context) {
	cals, err := s.jobs.AccountCalendars(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if cals == nil {
		cals = []model.Calendar{}
	}
	c.JSON(http.StatusOK, cals)
}

func (s *Server) deleteAccount(c *gin.Context) {
	if err := s.jobs.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type jobRequest struct {
	Name            string     `json:"name" binding:"required"`
	Description     string     `json:"description"`
	SourceAccountID string     `json:"source_account_id" binding:"required"`
	TargetAccountID string     `json:"target_account_id" binding:"required"`
	DataTypes       []string   `json:"data_types"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
}

func (s *Server) createJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var types model.DataTypeSet
	for _, name := range req.DataTypes {
		dt, err := model.ParseDataType(name)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		switch dt {
		case model.DataTypeEmails:
			types.Emails = true
		case model.DataTypeContacts:
			types.Contacts = true
		case model.DataTypeCalendars:
			types.Calendars = true
		}
	}

	job, err := s.jobs.Create(c.Request.Context(), jobs.CreateRequest{
		Name:            req.Name,
		Description:     req.Description,
		SourceAccountID: req.SourceAccountID,
		TargetAccountID: req.TargetAccountID,
		DataTypes:       types,
		ScheduledAt:     req.ScheduledAt,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("job created over http", "job_id", job.ID, "operator", operator(c))
	c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c *gin.Context) {
	list, err := s.jobs.List(c.Request.Context(), model.Status(c.Query("status")))
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.Job{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) deleteJob(c *gin.Context) {
	if err := s.jobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) progress(c *gin.Context) {
	p, err := s.jobs.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) logs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.jobs.Logs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []model.MigrationLog{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) checkpoints(c *gin.Context) {
	cps, err := s.jobs.Checkpoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if cps == nil {
		cps = []model.Checkpoint{}
	}
	c.JSON(http.StatusOK, cps)
}

// control adapts a status operation to a handler returning the job.
func (s *Server) control(op func(ctx context.Context, id string) (*model.Job, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := op(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		s.logger.Info("job operation", "job_id", job.ID, "path", c.FullPath(), "status", job.Status, "operator", operator(c))
		c.JSON(http.StatusOK, job)
	}
}

func (s *Server) triggerIncremental(c *gin.Context) {
	if err := s.jobs.TriggerIncrementalSync(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) restartDataType(c *gin.Context) {
	dt, err := model.ParseDataType(c.Param("dataType"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	job, err := s.jobs.RestartDataType(c.Request.Context(), c.Param("id"), dt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
