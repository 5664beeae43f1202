// Copyright 2025 Poiesic Systems
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

package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/notify"
)

type submitRequest struct {
	DatasetID string `json:"datasetId"`
	Name      string `json:"name"`
	Source    string `json:"source"`
}

// handleSubmit creates a document and starts processing it.
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		handleError(c, NewAppError(http.StatusBadRequest, "Missing source", nil))
		return
	}
	doc, err := s.svc.Submit(c.Request.Context(), req.DatasetID, req.Name, req.Source)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newDocumentView(doc))
}

// handleDocument returns a document with its jobs.
func (s *Server) handleDocument(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := s.svc.Document(ctx, c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	jobs, err := s.svc.Jobs(ctx, doc.ID)
	if err != nil {
		handleError(c, err)
		return
	}
	view := newDocumentView(doc)
	view.Jobs = newJobViews(jobs)
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleDocumentJobs(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.svc.Document(ctx, c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	jobs, err := s.svc.Jobs(ctx, c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobViews(jobs))
}

func (s *Server) handleDatasetDocuments(c *gin.Context) {
	docs, err := s.svc.Documents(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	views := make([]documentView, len(docs))
	for i, doc := range docs {
		views[i] = newDocumentView(doc)
	}
	c.JSON(http.StatusOK, views)
}

// handleEnqueue queues one stage by hand. The body, if any, carries job
// parameters.
func (s *Server) handleEnqueue(c *gin.Context) {
	stage, err := core.ParseStage(c.Param("stage"))
	if err != nil {
		handleError(c, err)
		return
	}
	var req struct {
		Params map[string]string `json:"params"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			handleError(c, NewAppError(http.StatusBadRequest, "Invalid request body", err))
			return
		}
	}
	jobID, err := s.svc.Enqueue(c.Request.Context(), c.Param("id"), stage, req.Params)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// handleReset returns a document to waiting. ?restart=true re-queues it.
func (s *Server) handleReset(c *gin.Context) {
	restart := c.Query("restart") == "true"
	doc, err := s.svc.Reset(c.Request.Context(), c.Param("id"), restart)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentView(doc))
}

func (s *Server) handleJob(c *gin.Context) {
	job, err := s.svc.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobView(job))
}

// handleResolve resolves a batch of mentions. Mentions that fail are
// reported by index next to the successful results.
func (s *Server) handleResolve(c *gin.Context) {
	var req struct {
		Mentions []core.Mention `json:"mentions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	if len(req.Mentions) == 0 {
		handleError(c, NewAppError(http.StatusBadRequest, "No mentions", nil))
		return
	}

	results, err := s.svc.Resolve(c.Request.Context(), req.Mentions)
	if err != nil && len(req.Mentions) == 1 {
		handleError(c, err)
		return
	}
	failed := []int{}
	for i, res := range results {
		if res.EntityID == "" {
			failed = append(failed, i)
		}
	}
	body := gin.H{"results": results, "failed": failed}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleDatasetEntities(c *gin.Context) {
	entityType := c.Query("type")
	if entityType == "" {
		handleError(c, NewAppError(http.StatusBadRequest, "Missing entity type", nil))
		return
	}
	entities, err := s.svc.Entities(c.Request.Context(), c.Param("id"), entityType)
	if err != nil {
		handleError(c, err)
		return
	}
	views := make([]entityView, len(entities))
	for i, e := range entities {
		views[i] = newEntityView(e)
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleAliases(c *gin.Context) {
	aliases, err := s.svc.Aliases(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	views := make([]aliasView, len(aliases))
	for i, a := range aliases {
		views[i] = newAliasView(a)
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleAddAlias(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	alias, err := s.svc.AddAlias(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newAliasView(alias))
}

func (s *Server) handleDeleteEntity(c *gin.Context) {
	if err := s.svc.DeleteEntity(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleNormalizationLog(c *gin.Context) {
	entries, err := s.svc.NormalizationLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	views := make([]logView, len(entries))
	for i, e := range entries {
		views[i] = newLogView(e)
	}
	c.JSON(http.StatusOK, views)
}

// handleEvents streams notifications as Server-Sent Events until the
// client goes away or the broadcaster drops it. ?clientId= picks the
// client ID; reconnecting with the same ID replaces the old stream.
func (s *Server) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = core.NewID()
	}

	// Closing the handle deregisters this client only, so a newer stream
	// that took over the ID stays connected.
	handle := notify.NewChanHandle(s.cfg.StreamBuffer)
	defer handle.Close()
	if err := s.svc.Subscribe(ctx, clientID, handle); err != nil {
		handleError(c, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", sse.ContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-handle.Done():
			return
		case ev := <-handle.Events():
			seq++
			err := sse.Encode(c.Writer, sse.Event{
				Id:    strconv.FormatUint(seq, 10),
				Event: string(ev.Type),
				Data:  ev,
			})
			if err != nil {
				s.logger.Debug("event stream write failed", "client", clientID, "error", err)
				return
			}
			c.Writer.Flush()
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
