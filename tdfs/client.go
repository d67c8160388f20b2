package tdfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ReadMode selects how a read reacts to a block that cannot be fetched.
type ReadMode int

const (
	Strict ReadMode = iota
	BestEffort
)

type Trust string

const (
	Trusted      Trust = "trusted"
	Untrusted    Trust = "untrusted"
	Unverifiable Trust = "unverifiable"
	Skipped      Trust = "skipped"
)

// GetResult describes one reconstruction.
type GetResult struct {
	Meta    FileMetadata
	Missing []BlockLocation
	Partial bool
	Trust   Trust
	Bytes   int64
}

// Client talks to one NameNode and to the DataNodes it points at.
type Client struct {
	Config ClientConfig

	http  *http.Client
	cache *cache.Cache
	log   zerolog.Logger
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	cfg.NameNodeURL = trimBaseURL(cfg.NameNodeURL)
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	client := &Client{
		Config: cfg,
		http:   &http.Client{},
		log:    log,
	}
	if ttl := cfg.MetaCacheTTL.D(); ttl > 0 {
		client.cache = cache.New(ttl, 2*ttl)
	}
	return client
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func readError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			msg = payload.Error
		} else if payload.Detail != "" {
			msg = payload.Detail
		}
	}
	return errorOf(res.StatusCode, msg)
}

// call sends an authenticated request to the NameNode and decodes a 200 JSON
// response into out.
func (client *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := withTimeout(ctx, client.Config.MetaTimeout.D())
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, client.Config.NameNodeURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(client.Config.User, client.Config.Password)

	res, err := client.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %w", method, path, readError(res))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (client *Client) Allocate(ctx context.Context, req AllocateRequest) (FileMetadata, error) {
	var meta FileMetadata
	err := client.call(ctx, http.MethodPost, "/allocate", req, &meta)
	return meta, err
}

func (client *Client) Commit(ctx context.Context, meta FileMetadata) (int64, error) {
	var res struct {
		ID int64 `json:"id"`
	}
	if err := client.call(ctx, http.MethodPost, "/commit", meta, &res); err != nil {
		return 0, err
	}
	client.forget(res.ID)
	return res.ID, nil
}

func cacheKey(id int64) string { return strconv.FormatInt(id, 10) }

func (client *Client) forget(id int64) {
	if client.cache != nil {
		client.cache.Delete(cacheKey(id))
	}
}

// Meta returns the metadata of a file, served from the local cache when
// MetaCacheTTL is set. Reads never go through the cache.
func (client *Client) Meta(ctx context.Context, id int64) (FileMetadata, error) {
	if client.cache != nil {
		if v, ok := client.cache.Get(cacheKey(id)); ok {
			return v.(FileMetadata), nil
		}
	}
	return client.fetchMeta(ctx, id)
}

// fetchMeta asks the NameNode for the current metadata of a file and
// refreshes the cache entry.
func (client *Client) fetchMeta(ctx context.Context, id int64) (FileMetadata, error) {
	var meta FileMetadata
	if err := client.call(ctx, http.MethodGet, "/meta/"+cacheKey(id), nil, &meta); err != nil {
		client.forget(id)
		return meta, err
	}
	if client.cache != nil {
		client.cache.SetDefault(cacheKey(id), meta)
	}
	return meta, nil
}

func (client *Client) Ls(ctx context.Context, dirID int64) (Listing, error) {
	var listing Listing
	err := client.call(ctx, http.MethodGet, "/ls/"+strconv.FormatInt(dirID, 10), nil, &listing)
	return listing, err
}

func (client *Client) Mkdir(ctx context.Context, parentID int64, name string) (int64, error) {
	var res struct {
		ID int64 `json:"id"`
	}
	err := client.call(ctx, http.MethodPost,
		"/mkdir/"+strconv.FormatInt(parentID, 10)+"/"+url.PathEscape(name), nil, &res)
	return res.ID, err
}

func (client *Client) Rmdir(ctx context.Context, id int64) error {
	return client.call(ctx, http.MethodDelete, "/rmdir/"+strconv.FormatInt(id, 10), nil, nil)
}

func (client *Client) Directories(ctx context.Context) ([]Directory, error) {
	var dirs []Directory
	err := client.call(ctx, http.MethodGet, "/directories", nil, &dirs)
	return dirs, err
}

func (client *Client) DataNodes(ctx context.Context) ([]DataNodeRecord, error) {
	var nodes []DataNodeRecord
	err := client.call(ctx, http.MethodGet, "/datanodes", nil, &nodes)
	return nodes, err
}

func (client *Client) Alerts(ctx context.Context) ([]Alert, error) {
	var alerts []Alert
	err := client.call(ctx, http.MethodGet, "/alerts", nil, &alerts)
	return alerts, err
}

func (client *Client) PostAlert(ctx context.Context, alert Alert) (Alert, error) {
	var stored Alert
	err := client.call(ctx, http.MethodPost, "/alerts", alert, &stored)
	return stored, err
}

func blockURL(datanode, op, blockID string) string {
	return trimBaseURL(datanode) + "/" + op + "/" + url.PathEscape(blockID)
}

// StoreBlock uploads one block as the multipart part "part".
func (client *Client) StoreBlock(ctx context.Context, loc BlockLocation, data io.Reader) error {
	ctx, cancel := withTimeout(ctx, client.Config.BlockTimeout.D())
	defer cancel()

	buf := new(bytes.Buffer)
	writer := multipart.NewWriter(buf)
	formFile, err := writer.CreateFormFile("part", "block")
	if err != nil {
		return err
	}
	if _, err := io.Copy(formFile, data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, blockURL(loc.DataNode, "store", loc.BlockID), buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	res, err := client.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: store %s on %s: %v", ErrTransientIO, loc.BlockID, loc.DataNode, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: store %s on %s: %v", ErrTransientIO, loc.BlockID, loc.DataNode, readError(res))
	}
	return nil
}

// FetchBlock downloads one block fully into memory.
func (client *Client) FetchBlock(ctx context.Context, loc BlockLocation) ([]byte, error) {
	if loc.BlockID == "" || loc.DataNode == "" {
		return nil, fmt.Errorf("%w: malformed block entry %+v", ErrValidation, loc)
	}
	ctx, cancel := withTimeout(ctx, client.Config.BlockTimeout.D())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blockURL(loc.DataNode, "read", loc.BlockID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	res, err := client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s from %s: %v", ErrTransientIO, loc.BlockID, loc.DataNode, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: read %s from %s: status %d", ErrTransientIO, loc.BlockID, loc.DataNode, res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s from %s: %v", ErrTransientIO, loc.BlockID, loc.DataNode, err)
	}
	return data, nil
}

// DeleteBlock removes one block from its DataNode.
func (client *Client) DeleteBlock(ctx context.Context, loc BlockLocation) error {
	ctx, cancel := withTimeout(ctx, client.Config.BlockTimeout.D())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, blockURL(loc.DataNode, "delete", loc.BlockID), nil)
	if err != nil {
		return err
	}
	res, err := client.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete %s on %s: %v", ErrTransientIO, loc.BlockID, loc.DataNode, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: delete %s on %s: status %d", ErrTransientIO, loc.BlockID, loc.DataNode, res.StatusCode)
	}
	return nil
}

// Put writes size bytes of src as filename under dirID: allocate, store every
// block, then commit. A failed upload aborts before commit.
func (client *Client) Put(ctx context.Context, filename string, src io.ReaderAt, size int64, hash string, dirID, blockSize int64) (int64, error) {
	if blockSize <= 0 {
		blockSize = int64(client.Config.BlockSize.Bytes())
	}
	meta, err := client.Allocate(ctx, AllocateRequest{
		Owner:     client.Config.User,
		Filename:  filename,
		Size:      size,
		BlockSize: blockSize,
		Hash:      hash,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate: %w", err)
	}
	if meta.BlockSize > 0 {
		blockSize = meta.BlockSize
	}

	upload := func(ctx context.Context, i int) error {
		off, n := BlockRange(i, size, blockSize)
		if err := client.StoreBlock(ctx, meta.Blocks[i], io.NewSectionReader(src, off, n)); err != nil {
			return err
		}
		client.log.Debug().Str("block", meta.Blocks[i].BlockID).Str("datanode", meta.Blocks[i].DataNode).Msg("block stored")
		return nil
	}
	if client.Config.Parallelism > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(client.Config.Parallelism)
		for i := range meta.Blocks {
			i := i
			g.Go(func() error { return upload(gctx, i) })
		}
		err = g.Wait()
	} else {
		for i := range meta.Blocks {
			if err = upload(ctx, i); err != nil {
				break
			}
		}
	}
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", filename, err)
	}

	meta.DirectoryID = dirID
	meta.Hash = hash
	id, err := client.Commit(ctx, meta)
	if err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// PutFile uploads the local file at path.
func (client *Client) PutFile(ctx context.Context, path string, dirID, blockSize int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	hash, err := GetHashReader(f)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return client.Put(ctx, filepath.Base(path), f, st.Size(), hash, dirID, blockSize)
}

// fetchAll fetches every block of meta, Parallelism at a time, and writes the
// ones that arrived to w in plan order. In Strict mode the first failure stops
// the read and is returned.
func (client *Client) fetchAll(ctx context.Context, meta FileMetadata, mode ReadMode, w io.Writer) ([]BlockLocation, int64, error) {
	var (
		missing []BlockLocation
		written int64
	)
	collect := func(loc BlockLocation, data []byte, err error) error {
		if err != nil {
			if mode == Strict {
				return err
			}
			client.log.Warn().Err(err).Str("block", loc.BlockID).Msg("skipping block")
			missing = append(missing, loc)
			return nil
		}
		n, err := w.Write(data)
		written += int64(n)
		return err
	}

	if client.Config.Parallelism <= 1 {
		for _, loc := range meta.Blocks {
			data, err := client.FetchBlock(ctx, loc)
			if err := collect(loc, data, err); err != nil {
				return missing, written, err
			}
		}
		return missing, written, nil
	}

	// Each window of Parallelism blocks is fetched concurrently and flushed in
	// order before the next one starts, so at most one window sits in memory.
	for start := 0; start < len(meta.Blocks); start += client.Config.Parallelism {
		end := start + client.Config.Parallelism
		if end > len(meta.Blocks) {
			end = len(meta.Blocks)
		}
		window := meta.Blocks[start:end]
		datas := make([][]byte, len(window))
		errs := make([]error, len(window))
		var wg sync.WaitGroup
		for i, loc := range window {
			wg.Add(1)
			go func(i int, loc BlockLocation) {
				defer wg.Done()
				datas[i], errs[i] = client.FetchBlock(ctx, loc)
			}(i, loc)
		}
		wg.Wait()
		for i, loc := range window {
			if err := collect(loc, datas[i], errs[i]); err != nil {
				return missing, written, err
			}
		}
	}
	return missing, written, nil
}

// verify derives the trust state of a complete reconstruction.
func verify(recorded, computed string) Trust {
	switch {
	case recorded == "":
		return Unverifiable
	case recorded == computed:
		return Trusted
	default:
		return Untrusted
	}
}

func (client *Client) reconstruct(ctx context.Context, id int64, mode ReadMode, w io.Writer) (*GetResult, error) {
	meta, err := client.fetchMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	hasher := sha256.New()
	missing, written, err := client.fetchAll(ctx, meta, mode, io.MultiWriter(w, hasher))
	if err != nil {
		return nil, err
	}

	res := &GetResult{Meta: meta, Missing: missing, Bytes: written}
	if len(missing) > 0 {
		res.Partial = true
		res.Trust = Skipped
		client.reportLoss(ctx, meta, missing)
		return res, nil
	}
	res.Trust = verify(meta.Hash, hex.EncodeToString(hasher.Sum(nil)))
	return res, nil
}

// reportLoss posts a best-effort loss report. A failed post is only logged.
func (client *Client) reportLoss(ctx context.Context, meta FileMetadata, missing []BlockLocation) {
	alert := Alert{
		User:     client.Config.User,
		Filename: meta.Filename,
		Reason:   fmt.Sprintf("best-effort reconstruction missing %d of %d blocks", len(missing), len(meta.Blocks)),
	}
	seen := make(map[string]bool)
	for _, loc := range missing {
		alert.MissingBlocks = append(alert.MissingBlocks, loc.BlockID)
		if !seen[loc.DataNode] {
			seen[loc.DataNode] = true
			alert.DownNodes = append(alert.DownNodes, loc.DataNode)
		}
	}
	if _, err := client.PostAlert(ctx, alert); err != nil {
		client.log.Error().Err(err).Str("filename", meta.Filename).Msg("post alert")
	}
}

// GetBytes reconstructs file id in memory. In Strict mode a failure returns no
// bytes at all.
func (client *Client) GetBytes(ctx context.Context, id int64, mode ReadMode) ([]byte, *GetResult, error) {
	var buf bytes.Buffer
	res, err := client.reconstruct(ctx, id, mode, &buf)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), res, nil
}

// GetFile reconstructs file id into outPath. Output goes to a temp file in the
// same directory that is renamed into place only when the read did not fail,
// so a failed Strict read leaves nothing behind.
func (client *Client) GetFile(ctx context.Context, id int64, outPath string, mode ReadMode) (*GetResult, error) {
	dir := filepath.Dir(outPath)
	if err := CheckPath(dir); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, ".griddfs-*")
	if err != nil {
		return nil, err
	}
	res, err := client.reconstruct(ctx, id, mode, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return res, nil
}

// Remove deletes every block of file id on a best-effort basis, then its
// metadata record.
func (client *Client) Remove(ctx context.Context, id int64) error {
	meta, err := client.fetchMeta(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		client.log.Warn().Err(err).Int64("file", id).Msg("metadata unavailable, skipping block cleanup")
	}
	for _, loc := range meta.Blocks {
		if loc.BlockID == "" || loc.DataNode == "" {
			continue
		}
		if err := client.DeleteBlock(ctx, loc); err != nil {
			client.log.Warn().Err(err).Msg("block cleanup")
		}
	}
	client.forget(id)
	return client.call(ctx, http.MethodDelete, "/rm/"+cacheKey(id), nil, nil)
}
