// Copyright 2024 The taskhub.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the queue operations over HTTP/JSON. The core never
// depends on this package; it is one possible front end.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"taskhub.io/taskhub/pkg/queue/claim"
	"taskhub.io/taskhub/pkg/queue/lifecycle"
	"taskhub.io/taskhub/pkg/queue/qerrors"
	"taskhub.io/taskhub/pkg/queue/registry"
	"taskhub.io/taskhub/pkg/queue/types"
)

type API struct {
	Engine   *lifecycle.Engine
	Claimer  *claim.Claimer
	Registry *registry.Registry
}

func (a *API) Register(rg *gin.RouterGroup) {
	rg.PUT("/task/:taskId", a.createTask)
	rg.POST("/task/:taskId/define", a.defineTask)
	rg.POST("/task/:taskId/schedule", a.scheduleTask)
	rg.POST("/task/:taskId/rerun", a.rerunTask)
	rg.POST("/task/:taskId/cancel", a.cancelTask)
	rg.GET("/task/:taskId", a.getTask)
	rg.GET("/task/:taskId/status", a.getTaskStatus)
	rg.GET("/task/:taskId/dependents", a.listDependentTasks)
	rg.GET("/task-group/:taskGroupId/list", a.listTaskGroup)
	rg.GET("/pending/:provisionerId/:workerType", a.pendingTasks)

	rg.POST("/claim-work/:provisionerId/:workerType", a.claimWork)
	rg.POST("/task/:taskId/runs/:runId/reclaim", a.reclaimTask)
	rg.POST("/task/:taskId/runs/:runId/completed", a.reportCompleted)
	rg.POST("/task/:taskId/runs/:runId/failed", a.reportFailed)
	rg.POST("/task/:taskId/runs/:runId/exception", a.reportException)

	rg.GET("/provisioners", a.listProvisioners)
	rg.GET("/provisioners/:provisionerId/worker-types", a.listWorkerTypes)
	rg.GET("/provisioners/:provisionerId/worker-types/:workerType/workers", a.listWorkers)
	rg.PUT("/provisioners/:provisionerId/worker-types/:workerType/workers/:workerGroup/:workerId/quarantine", a.quarantineWorker)
}

type errorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func notOK(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch qerrors.KindOf(err) {
	case qerrors.KindInputError:
		code = http.StatusBadRequest
	case qerrors.KindNotFound:
		code = http.StatusNotFound
	case qerrors.KindConflict:
		code = http.StatusConflict
	case qerrors.KindAuthorization:
		code = http.StatusForbidden
	}
	response := errorResponse{Code: string(qerrors.KindOf(err)), Message: err.Error()}
	qerr := &qerrors.Error{}
	if errors.As(err, &qerr) {
		response.Message = qerr.Message
		response.Details = qerr.Details
	}
	c.JSON(code, response)
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func (a *API) createTask(c *gin.Context) {
	def := &types.TaskDefinition{}
	if err := c.ShouldBindJSON(def); err != nil {
		notOK(c, qerrors.NewInputError("invalid task definition: %v", err))
		return
	}
	status, err := a.Engine.CreateTask(c.Request.Context(), c.Param("taskId"), def)
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

func (a *API) defineTask(c *gin.Context) {
	def := &types.TaskDefinition{}
	if err := c.ShouldBindJSON(def); err != nil {
		notOK(c, qerrors.NewInputError("invalid task definition: %v", err))
		return
	}
	status, err := a.Engine.DefineTask(c.Request.Context(), c.Param("taskId"), def)
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

func (a *API) scheduleTask(c *gin.Context) {
	status, err := a.Engine.ScheduleTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

func (a *API) rerunTask(c *gin.Context) {
	status, err := a.Engine.RerunTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

func (a *API) cancelTask(c *gin.Context) {
	status, err := a.Engine.CancelTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

func (a *API) getTask(c *gin.Context) {
	def, err := a.Engine.GetTaskDefinition(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, def)
}

func (a *API) getTaskStatus(c *gin.Context) {
	status, err := a.Engine.GetTaskStatus(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

func (a *API) listDependentTasks(c *gin.Context) {
	listing, err := a.Engine.ListDependentTasks(c.Request.Context(),
		c.Param("taskId"), c.Query("continuationToken"), queryLimit(c))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, listing)
}

func (a *API) listTaskGroup(c *gin.Context) {
	listing, err := a.Engine.ListTaskGroup(c.Request.Context(),
		c.Param("taskGroupId"), c.Query("continuationToken"), queryLimit(c))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, listing)
}

func (a *API) pendingTasks(c *gin.Context) {
	count, err := a.Engine.PendingCount(c.Request.Context(),
		c.Param("provisionerId"), c.Param("workerType"))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{
		"provisionerId": c.Param("provisionerId"),
		"workerType":    c.Param("workerType"),
		"pendingTasks":  count,
	})
}

type claimWorkRequest struct {
	WorkerGroup string `json:"workerGroup" binding:"required"`
	WorkerID    string `json:"workerId" binding:"required"`
	Tasks       int    `json:"tasks"`
}

func (a *API) claimWork(c *gin.Context) {
	req := claimWorkRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		notOK(c, qerrors.NewInputError("invalid claimWork request: %v", err))
		return
	}
	// the long poll ends when the client goes away
	claims, err := a.Claimer.ClaimWork(c.Request.Context(),
		c.Param("provisionerId"), c.Param("workerType"),
		req.WorkerGroup, req.WorkerID, req.Tasks)
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"tasks": claims})
}

func (a *API) reclaimTask(c *gin.Context) {
	runID, err := runParam(c)
	if err != nil {
		notOK(c, err)
		return
	}
	reclaim, err := a.Claimer.ReclaimTask(c.Request.Context(), c.Param("taskId"), runID)
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, reclaim)
}

func (a *API) reportCompleted(c *gin.Context) {
	runID, err := runParam(c)
	if err != nil {
		notOK(c, err)
		return
	}
	status, err := a.Engine.ReportCompleted(c.Request.Context(), c.Param("taskId"), runID)
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

func (a *API) reportFailed(c *gin.Context) {
	runID, err := runParam(c)
	if err != nil {
		notOK(c, err)
		return
	}
	status, err := a.Engine.ReportFailed(c.Request.Context(), c.Param("taskId"), runID)
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

type reportExceptionRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (a *API) reportException(c *gin.Context) {
	runID, err := runParam(c)
	if err != nil {
		notOK(c, err)
		return
	}
	req := reportExceptionRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		notOK(c, qerrors.NewInputError("invalid reportException request: %v", err))
		return
	}
	status, err := a.Engine.ReportException(c.Request.Context(),
		c.Param("taskId"), runID, types.ReasonResolved(req.Reason))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"status": status})
}

func (a *API) listProvisioners(c *gin.Context) {
	provisioners, next, err := a.Registry.ListProvisioners(c.Request.Context(),
		c.Query("continuationToken"), queryLimit(c))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"provisioners": provisioners, "continuationToken": next})
}

func (a *API) listWorkerTypes(c *gin.Context) {
	workertypes, next, err := a.Registry.ListWorkerTypes(c.Request.Context(),
		c.Param("provisionerId"), c.Query("continuationToken"), queryLimit(c))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"workerTypes": workertypes, "continuationToken": next})
}

func (a *API) listWorkers(c *gin.Context) {
	workers, next, err := a.Registry.ListWorkers(c.Request.Context(),
		c.Param("provisionerId"), c.Param("workerType"),
		c.Query("continuationToken"), queryLimit(c))
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, gin.H{"workers": workers, "continuationToken": next})
}

type quarantineRequest struct {
	QuarantineUntil types.Time `json:"quarantineUntil" binding:"required"`
}

func (a *API) quarantineWorker(c *gin.Context) {
	req := quarantineRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		notOK(c, qerrors.NewInputError("invalid quarantine request: %v", err))
		return
	}
	worker, err := a.Registry.QuarantineWorker(c.Request.Context(),
		c.Param("provisionerId"), c.Param("workerType"),
		c.Param("workerGroup"), c.Param("workerId"), req.QuarantineUntil.Time)
	if err != nil {
		notOK(c, err)
		return
	}
	ok(c, worker)
}

func runParam(c *gin.Context) (int, error) {
	runID, err := strconv.Atoi(c.Param("runId"))
	if err != nil {
		return 0, qerrors.NewInputError("invalid runId %q", c.Param("runId"))
	}
	return runID, nil
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
