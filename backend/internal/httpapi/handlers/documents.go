package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/registry"
	"collabSync/backend/internal/syncer"
)

// Documents 本地代理上的文档接口：打开/关闭/读写字段
type Documents struct {
	Registry *registry.Registry
	Factory  registry.Factory
	// DELETE 时的宽限期，负数表示用注册表默认值
	Grace time.Duration
	// GET 带 ?wait=1 时最多等待同步的时间
	WaitTimeout time.Duration
}

type openRequest struct {
	DocID string `json:"docId" binding:"required"`
	Kind  string `json:"kind" binding:"required"`
}

type setFieldRequest struct {
	Value string `json:"value"`
}

func (d *Documents) Register(g *gin.RouterGroup) {
	g.POST("", d.Open)
	g.GET("/:documentID", d.Get)
	g.DELETE("/:documentID", d.Close)
	g.PUT("/:documentID/fields/:field", d.SetField)
	g.DELETE("/:documentID/fields/:field", d.DeleteField)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidDocumentID), errors.Is(err, protocol.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrRegistryClosed), errors.Is(err, syncer.ErrSessionDestroyed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Open 获取一个引用；同一文档多次 Open 需要对应多次 DELETE
func (d *Documents) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := protocol.ParseKind(req.Kind)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s, err := d.Registry.Acquire(c.Request.Context(), req.DocID, kind, d.Factory)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"docId":      s.ID(),
		"kind":       s.Kind(),
		"generation": s.Generation(),
		"state":      s.State().String(),
		"refs":       d.Registry.Refs(s.ID()),
	})
}

func (d *Documents) lookup(c *gin.Context) (*syncer.Session, bool) {
	s, ok := d.Registry.Lookup(c.Param("documentID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "DOCUMENT_NOT_OPEN"})
		return nil, false
	}
	return s, true
}

func (d *Documents) Get(c *gin.Context) {
	s, ok := d.lookup(c)
	if !ok {
		return
	}
	if c.Query("wait") != "" {
		timeout := d.WaitTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		if err := s.WaitSynced(ctx); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
	}
	resp := gin.H{
		"docId": s.ID(),
		"kind":  s.Kind(),
		"state": s.State().String(),
	}
	if doc, ok := s.Document().(*crdt.OpSet); ok {
		resp["fields"] = doc.Fields()
	}
	if rec, ok := s.LastUpdate(); ok {
		resp["lastUpdate"] = rec
	}
	if h := s.Presence(); h != nil {
		if members, err := h.Members(c.Request.Context()); err == nil {
			resp["members"] = members
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Close 释放一个引用。带 ?generation= 时只释放 Open 拿到的那一代会话，
// 文档期间被销毁重建过则返回 409，不动新会话的引用
func (d *Documents) Close(c *gin.Context) {
	s, ok := d.lookup(c)
	if !ok {
		return
	}
	if g := c.Query("generation"); g != "" {
		gen, err := strconv.ParseUint(g, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_GENERATION"})
			return
		}
		if gen != s.Generation() {
			c.JSON(http.StatusConflict, gin.H{"error": "STALE_GENERATION", "generation": s.Generation()})
			return
		}
	}
	d.Registry.ReleaseSession(s, d.Grace)
	c.JSON(http.StatusOK, gin.H{"docId": s.ID(), "refs": d.Registry.Refs(s.ID())})
}

func (d *Documents) editable(c *gin.Context) (*crdt.OpSet, bool) {
	s, ok := d.lookup(c)
	if !ok {
		return nil, false
	}
	doc, ok := s.Document().(*crdt.OpSet)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "DOCUMENT_NOT_EDITABLE"})
		return nil, false
	}
	return doc, true
}

func (d *Documents) SetField(c *gin.Context) {
	doc, ok := d.editable(c)
	if !ok {
		return
	}
	var req setFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := doc.Set(c.Param("field"), req.Value); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields": doc.Fields()})
}

func (d *Documents) DeleteField(c *gin.Context) {
	doc, ok := d.editable(c)
	if !ok {
		return
	}
	if err := doc.Delete(c.Param("field")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields": doc.Fields()})
}
