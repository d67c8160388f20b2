package tdfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// DataNode serves block traffic and keeps itself known to the NameNode.
type DataNode struct {
	Config DataNodeConfig
	Store  BlockStore

	log    zerolog.Logger
	client *http.Client
	now    func() time.Time
}

func NewDataNode(cfg DataNodeConfig, store BlockStore, log zerolog.Logger) *DataNode {
	if cfg.NodeID == "" {
		cfg.NodeID = "dn-" + uuid.NewString()[:8]
	}
	if cfg.BaseURL == "" {
		port := cfg.Addr
		if !strings.HasPrefix(port, ":") {
			if i := strings.LastIndex(port, ":"); i >= 0 {
				port = port[i:]
			}
		}
		cfg.BaseURL = "http://" + cfg.NodeID + port
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultDataNodeConfig.HeartbeatInterval
	}
	cfg.BaseURL = trimBaseURL(cfg.BaseURL)
	cfg.NameNodeURL = trimBaseURL(cfg.NameNodeURL)
	return &DataNode{
		Config: cfg,
		Store:  store,
		log:    log.With().Str("node", cfg.NodeID).Logger(),
		client: &http.Client{},
		now:    time.Now,
	}
}

// Router builds the block HTTP API.
func (dn *DataNode) Router() *gin.Engine {
	router := gin.New()
	router.UseRawPath = true
	router.Use(requestLogger(dn.log), gin.Recovery())

	router.PUT("/store/:block_id", dn.handleStore)
	router.GET("/read/:block_id", dn.handleRead)
	router.DELETE("/delete/:block_id", dn.handleDelete)
	router.GET("/health", func(c *gin.Context) {
		n, err := dn.Store.Count()
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"node": dn.Config.NodeID, "ok": true, "blocks": n})
	})
	return router
}

// cappedReader fails with ErrTooLarge once more than max bytes were read.
type cappedReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (cr *cappedReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	if cr.n > cr.max {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, cr.max)
	}
	return n, err
}

// blockBody returns the block bytes of a store request: the multipart part
// named "part" if the request is multipart, the raw body otherwise.
func blockBody(req *http.Request) (io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return req.Body, nil
	}
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: missing form part \"part\"", ErrValidation)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if part.FormName() == "part" {
			return part, nil
		}
	}
}

func (dn *DataNode) handleStore(c *gin.Context) {
	blockID := c.Param("block_id")
	body, err := blockBody(c.Request)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if limit := int64(dn.Config.MaxBlockSize.Bytes()); limit > 0 {
		body = &cappedReader{r: body, max: limit}
	}
	n, err := dn.Store.Put(c.Request.Context(), blockID, body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "block": blockID, "size": n})
}

func (dn *DataNode) handleRead(c *gin.Context) {
	rc, size, err := dn.Store.Get(c.Request.Context(), c.Param("block_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", rc, nil)
}

func (dn *DataNode) handleDelete(c *gin.Context) {
	if err := dn.Store.Delete(c.Request.Context(), c.Param("block_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (dn *DataNode) postJSON(ctx context.Context, path string, v interface{}) error {
	if timeout := dn.Config.RequestTimeout.D(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dn.Config.NameNodeURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := dn.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return errorOf(res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Register announces the node to the NameNode, trying up to RegisterAttempts
// times RegisterDelay apart.
func (dn *DataNode) Register(ctx context.Context) error {
	attempts := dn.Config.RegisterAttempts
	if attempts <= 0 {
		attempts = 1
	}
	req := RegisterRequest{NodeID: dn.Config.NodeID, BaseURL: dn.Config.BaseURL}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = dn.postJSON(ctx, "/register", req); err == nil {
			dn.log.Info().Int("attempt", i).Str("namenode", dn.Config.NameNodeURL).Msg("registered")
			return nil
		}
		dn.log.Warn().Err(err).Int("attempt", i).Msg("register failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dn.Config.RegisterDelay.D()):
		}
	}
	return fmt.Errorf("register with %s after %d attempts: %w", dn.Config.NameNodeURL, attempts, err)
}

func (dn *DataNode) diskFree(ctx context.Context) uint64 {
	usage, err := disk.UsageWithContext(ctx, dn.Config.DataDir)
	if err != nil {
		dn.log.Debug().Err(err).Msg("disk usage")
		return 0
	}
	return usage.Free
}

// SendHeartbeat reports liveness with the node's own clock reading.
func (dn *DataNode) SendHeartbeat(ctx context.Context) error {
	return dn.postJSON(ctx, "/heartbeat", Heartbeat{
		NodeID:    dn.Config.NodeID,
		BaseURL:   dn.Config.BaseURL,
		Timestamp: dn.now().UnixNano(),
		DiskFree:  dn.diskFree(ctx),
	})
}

// HeartbeatLoop sends a heartbeat every HeartbeatInterval until ctx is done.
// A failed beat is logged and retried on the next tick.
func (dn *DataNode) HeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(dn.Config.HeartbeatInterval.D())
	defer ticker.Stop()
	for {
		if err := dn.SendHeartbeat(ctx); err != nil && ctx.Err() == nil {
			dn.log.Warn().Err(err).Msg("heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run serves the block API on Config.Addr, registers, and heartbeats until ctx
// is cancelled.
func (dn *DataNode) Run(ctx context.Context) error {
	srv := &http.Server{Addr: dn.Config.Addr, Handler: dn.Router()}
	errc := make(chan error, 1)
	go func() {
		dn.log.Info().Str("addr", dn.Config.Addr).Str("base_url", dn.Config.BaseURL).Msg("datanode listening")
		errc <- srv.ListenAndServe()
	}()

	go func() {
		if err := dn.Register(ctx); err != nil && ctx.Err() == nil {
			dn.log.Error().Err(err).Msg("registration gave up, serving blocks anyway")
		}
		dn.HeartbeatLoop(ctx)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
