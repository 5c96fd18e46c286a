package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"peershare/logging"
	"peershare/models"
	"peershare/network"
	"peershare/storage"
)

type shareRequest struct {
	Target     string `json:"target" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type shareResponse struct {
	Granted    bool       `json:"granted"`
	ResourceID string     `json:"resource_id"`
	Target     string     `json:"target"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type addPeerRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "self": s.options.Self})
}

func (s *Server) listFiles(c *gin.Context) {
	blobs, err := s.options.Store.ListBlobs()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": blobs})
}

func (s *Server) uploadFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.options.MaxUploadBytes)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.fail(c, http.StatusBadRequest, fmt.Errorf("multipart field \"file\" is required: %w", err))
		return
	}

	file, err := header.Open()
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	id, err := s.options.Store.Put(header.Filename, data)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	blob, err := s.options.Store.Stat(id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("file stored", "id", id, "name", blob.Name, "size", blob.Size)
	c.JSON(http.StatusCreated, blob)
}

func (s *Server) downloadFile(c *gin.Context) {
	id := c.Param("id")
	blob, err := s.options.Store.Stat(id)
	if err != nil {
		s.failLookup(c, err)
		return
	}
	data, err := s.options.Store.Get(id)
	if err != nil {
		s.failLookup(c, err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": blob.Name}))
	c.Header("X-Checksum-Sha256", blob.Checksum)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) shareFile(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.options.Store.Stat(id); err != nil {
		s.failLookup(c, err)
		return
	}

	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	target, err := models.ParsePeerAddress(req.Target)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > int(MaxShareTTL/time.Second) {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("ttl_seconds must be between 0 and %d", int(MaxShareTTL/time.Second)))
		return
	}
	ttl := s.options.ShareTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	result, err := s.options.Sharer.Share(c.Request.Context(), target, id, ttl)
	if err != nil {
		var connectErr *network.ConnectError
		if errors.As(err, &connectErr) {
			s.fail(c, http.StatusBadGateway, err)
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	resp := shareResponse{
		Granted:    result.Granted,
		ResourceID: id,
		Target:     target.String(),
		Reason:     string(result.Reason),
	}
	if !result.ExpiresAt.IsZero() {
		expiresAt := result.ExpiresAt
		resp.ExpiresAt = &expiresAt
	}
	if !result.Granted {
		s.logger.Warn("share denied", logging.Peer(target.String()), "resource_id", id, "reason", result.Reason)
		c.JSON(http.StatusForbidden, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"self":      s.options.Self,
		"peers":     s.options.Registry.Records(),
		"connected": s.options.Registry.SnapshotConnected(),
	})
}

func (s *Server) addPeer(c *gin.Context) {
	var req addPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	address, err := models.ParsePeerAddress(req.Address)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if address == s.options.Self {
		s.fail(c, http.StatusBadRequest, errors.New("cannot add this node as a peer"))
		return
	}

	s.options.Registry.AddKnown(address)
	record, _ := s.options.Registry.Record(address)
	c.JSON(http.StatusCreated, record)
}

func (s *Server) listGrants(c *gin.Context) {
	var (
		grants []models.ShareGrant
		err    error
	)
	if active, _ := strconv.ParseBool(c.Query("active")); active {
		grants, err = s.options.Store.ActiveGrants(s.options.Now())
	} else {
		grants, err = s.options.Store.ListGrants()
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": grants})
}

func (s *Server) listSecurityEvents(c *gin.Context) {
	filter := storage.SecurityEventFilter{
		EventType:   c.Query("type"),
		PeerAddress: c.Query("peer"),
		Severity:    c.Query("severity"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
			return
		}
		filter.Limit = limit
	}

	events, err := s.options.Store.GetSecurityEvents(filter)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	counts, err := s.options.Store.CountSecurityEvents(filter)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "counts": counts})
}

func (s *Server) failLookup(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.fail(c, http.StatusNotFound, err)
		return
	}
	s.fail(c, http.StatusInternalServerError, err)
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), logging.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
