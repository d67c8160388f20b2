package tdfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NameNode owns the registry, the placement cursor, the metadata store and the
// alert log of one metadata server.
type NameNode struct {
	Config   NameNodeConfig
	Registry *Registry
	Placer   *Placer
	Meta     *MetaStore
	Alerts   *AlertLog

	log zerolog.Logger
}

func NewNameNode(cfg NameNodeConfig, meta *MetaStore, alerts *AlertLog, log zerolog.Logger) *NameNode {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DEFAULT_BLOCK_SIZE
	}
	registry := NewRegistry(cfg.DownThreshold.D())
	return &NameNode{
		Config:   cfg,
		Registry: registry,
		Placer:   NewPlacer(registry),
		Meta:     meta,
		Alerts:   alerts,
		log:      log,
	}
}

// OpenNameNode opens the metadata store and the configured alert sinks. A sink
// that cannot connect is logged and left out.
func OpenNameNode(ctx context.Context, cfg NameNodeConfig, log zerolog.Logger) (*NameNode, error) {
	meta, err := OpenMetaStore(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	var sinks []AlertSink
	if cfg.RedisAddr != "" {
		sink, err := NewRedisAlertSink(ctx, cfg.RedisAddr, cfg.RedisKey)
		if err != nil {
			log.Error().Err(err).Msg("redis alert sink disabled")
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.AMQPURL != "" {
		sink, err := NewAMQPAlertSink(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			log.Error().Err(err).Msg("amqp alert sink disabled")
		} else {
			sinks = append(sinks, sink)
		}
	}
	log.Info().Str("driver", cfg.DBDriver).Int64("root", meta.RootID()).Int("alert_sinks", len(sinks)).Msg("metadata store ready")
	return NewNameNode(cfg, meta, NewAlertLog(log, sinks...), log), nil
}

func (nn *NameNode) Close() error {
	return errors.Join(nn.Alerts.Close(), nn.Meta.Close())
}

// Allocate plans the blocks of a new file. Nothing is persisted until Commit.
func (nn *NameNode) Allocate(user string, req AllocateRequest) (FileMetadata, error) {
	var meta FileMetadata
	if req.Owner != user {
		return meta, fmt.Errorf("%w: owner mismatch", ErrAuthorization)
	}
	if req.Filename == "" || req.Size < 0 || req.BlockSize < 0 {
		return meta, fmt.Errorf("%w: need a filename, size >= 0 and block_size >= 0", ErrValidation)
	}
	blockSize := req.BlockSize
	if blockSize == 0 {
		blockSize = int64(nn.Config.BlockSize.Bytes())
	}

	n := BlockCount(req.Size, blockSize)
	nodes, err := nn.Placer.PickNodes(n)
	if err != nil {
		return meta, err
	}
	meta = FileMetadata{
		Owner:     req.Owner,
		Filename:  req.Filename,
		Size:      req.Size,
		BlockSize: blockSize,
		Hash:      req.Hash,
		Blocks:    make([]BlockLocation, n),
	}
	for i := range meta.Blocks {
		meta.Blocks[i] = BlockLocation{BlockID: BlockID(req.Owner, req.Filename, i), DataNode: nodes[i]}
	}
	return meta, nil
}

// Commit validates a block plan whose blocks were stored and records it.
func (nn *NameNode) Commit(ctx context.Context, user string, meta FileMetadata) (int64, error) {
	if meta.Hash == "" {
		return 0, fmt.Errorf("%w: missing file hash", ErrValidation)
	}
	if meta.Owner != user {
		return 0, fmt.Errorf("%w: owner mismatch", ErrAuthorization)
	}
	if meta.Filename == "" || meta.Size < 0 || meta.BlockSize < 0 {
		return 0, fmt.Errorf("%w: need a filename and size >= 0", ErrValidation)
	}
	for i, b := range meta.Blocks {
		if b.BlockID == "" || b.DataNode == "" {
			return 0, fmt.Errorf("%w: malformed block entry %d", ErrValidation, i)
		}
	}
	if meta.BlockSize > 0 {
		if want := BlockCount(meta.Size, meta.BlockSize); len(meta.Blocks) != want {
			return 0, fmt.Errorf("%w: %d blocks, want %d", ErrValidation, len(meta.Blocks), want)
		}
	}
	if meta.Blocks == nil {
		meta.Blocks = []BlockLocation{}
	}
	return nn.Meta.CommitFile(ctx, meta)
}

func idParam(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", ErrValidation, name, c.Param(name))
	}
	return id, nil
}

func bindJSON(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Router builds the NameNode HTTP API. File and directory routes require
// basic auth; registry and alert routes do not.
func (nn *NameNode) Router() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(nn.log), gin.Recovery())

	router.POST("/register", func(c *gin.Context) {
		var req RegisterRequest
		if err := bindJSON(c, &req); err != nil {
			abortWithError(c, err)
			return
		}
		if err := nn.Registry.Register(req.NodeID, req.BaseURL); err != nil {
			abortWithError(c, err)
			return
		}
		nn.log.Info().Str("node", req.NodeID).Str("base_url", req.BaseURL).Msg("datanode registered")
		c.JSON(http.StatusOK, gin.H{"ok": true, "nodes": nn.Registry.List()})
	})

	router.POST("/heartbeat", func(c *gin.Context) {
		var hb Heartbeat
		if err := bindJSON(c, &hb); err != nil {
			abortWithError(c, err)
			return
		}
		if err := nn.Registry.Heartbeat(hb); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/datanodes", func(c *gin.Context) {
		c.JSON(http.StatusOK, nn.Registry.List())
	})

	router.POST("/alerts", func(c *gin.Context) {
		var a Alert
		if err := bindJSON(c, &a); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, nn.Alerts.Append(c.Request.Context(), a))
	})

	router.GET("/alerts", func(c *gin.Context) {
		c.JSON(http.StatusOK, nn.Alerts.List())
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "datanodes": nn.Registry.Len()})
	})

	authed := router.Group("/", gin.BasicAuth(gin.Accounts(nn.Config.Users)))

	authed.POST("/allocate", func(c *gin.Context) {
		var req AllocateRequest
		if err := bindJSON(c, &req); err != nil {
			abortWithError(c, err)
			return
		}
		meta, err := nn.Allocate(c.MustGet(gin.AuthUserKey).(string), req)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, meta)
	})

	authed.POST("/commit", func(c *gin.Context) {
		var meta FileMetadata
		if err := bindJSON(c, &meta); err != nil {
			abortWithError(c, err)
			return
		}
		id, err := nn.Commit(c.Request.Context(), c.MustGet(gin.AuthUserKey).(string), meta)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "commit", "id": id})
	})

	authed.GET("/meta/:id", func(c *gin.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			abortWithError(c, err)
			return
		}
		meta, err := nn.Meta.FileMeta(c.Request.Context(), id, c.MustGet(gin.AuthUserKey).(string))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, meta)
	})

	authed.GET("/ls/:dir", func(c *gin.Context) {
		dir, err := idParam(c, "dir")
		if err != nil {
			abortWithError(c, err)
			return
		}
		listing, err := nn.Meta.List(c.Request.Context(), dir, c.MustGet(gin.AuthUserKey).(string))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, listing)
	})

	authed.POST("/mkdir/:parent/:name", func(c *gin.Context) {
		parent, err := idParam(c, "parent")
		if err != nil {
			abortWithError(c, err)
			return
		}
		name := c.Param("name")
		id, err := nn.Meta.Mkdir(c.Request.Context(), parent, name, c.MustGet(gin.AuthUserKey).(string))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "created", "id": id, "dirname": name})
	})

	authed.DELETE("/rmdir/:id", func(c *gin.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			abortWithError(c, err)
			return
		}
		if err := nn.Meta.Rmdir(c.Request.Context(), id, c.MustGet(gin.AuthUserKey).(string)); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
	})

	authed.DELETE("/rm/:id", func(c *gin.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			abortWithError(c, err)
			return
		}
		if err := nn.Meta.RemoveFile(c.Request.Context(), id, c.MustGet(gin.AuthUserKey).(string)); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
	})

	authed.GET("/directories", func(c *gin.Context) {
		dirs, err := nn.Meta.Directories(c.Request.Context(), c.MustGet(gin.AuthUserKey).(string))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, dirs)
	})

	return router
}

// Run serves the NameNode API on Config.Addr until ctx is cancelled.
func (nn *NameNode) Run(ctx context.Context) error {
	srv := &http.Server{Addr: nn.Config.Addr, Handler: nn.Router()}
	errc := make(chan error, 1)
	go func() {
		nn.log.Info().Str("addr", nn.Config.Addr).Msg("namenode listening")
		errc <- srv.ListenAndServe()
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
