package tdfs

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
)

/** Configurations for ALL Mode **/
const (
	DEFAULT_BLOCK_SIZE = 50 * datasize.KB
	DOWN_THRESHOLD     = 15 * time.Second
	ROOT_OWNER         = "root"
	ROOT_NAME          = "/"
)

// A block is the unit of placement and transfer; each block has exactly one copy.
/** Data Structure **/
type BlockLocation struct {
	BlockID  string `json:"block_id"`
	DataNode string `json:"datanode"`
}

// FileMetadata is both the allocate/commit wire payload and the document
// stored with each committed file.
type FileMetadata struct {
	ID          int64           `json:"id,omitempty"`
	Owner       string          `json:"owner"`
	Filename    string          `json:"filename"`
	Size        int64           `json:"size"`
	BlockSize   int64           `json:"block_size,omitempty"`
	Hash        string          `json:"hash,omitempty"`
	Blocks      []BlockLocation `json:"blocks"`
	DirectoryID int64           `json:"directory_id,omitempty"`
}

type AllocateRequest struct {
	Owner     string `json:"owner"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	BlockSize int64  `json:"block_size"`
	Hash      string `json:"hash,omitempty"`
}

type Directory struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

type FileEntry struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Listing is the result of ls on one directory.
type Listing struct {
	Directories []Directory `json:"directories"`
	Files       []FileEntry `json:"files"`
}

type RegisterRequest struct {
	NodeID  string `json:"node_id"`
	BaseURL string `json:"base_url"`
}

// Heartbeat carries the DataNode's own clock reading in Timestamp (unix nanos).
type Heartbeat struct {
	NodeID    string `json:"node_id"`
	BaseURL   string `json:"base_url"`
	Timestamp int64  `json:"timestamp"`
	DiskFree  uint64 `json:"disk_free,omitempty"`
}

type NodeStatus string

const (
	StatusUp   NodeStatus = "UP"
	StatusDown NodeStatus = "DOWN"
)

type DataNodeRecord struct {
	NodeID   string     `json:"node_id"`
	BaseURL  string     `json:"base_url"`
	LastSeen time.Time  `json:"last_seen"`
	DiskFree uint64     `json:"disk_free,omitempty"`
	Status   NodeStatus `json:"status"`
}

type Alert struct {
	ID            string    `json:"id"`
	User          string    `json:"user"`
	Filename      string    `json:"filename"`
	DownNodes     []string  `json:"down_nodes"`
	MissingBlocks []string  `json:"missing_blocks"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// Duration is a time.Duration that reads "5s"-style strings from JSON config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type NameNodeConfig struct {
	Addr          string            `json:"addr"`
	DBDriver      string            `json:"db_driver"` // sqlite | postgres
	DBDSN         string            `json:"db_dsn"`
	Users         map[string]string `json:"users"`
	BlockSize     datasize.ByteSize `json:"block_size"`
	DownThreshold Duration          `json:"down_threshold"`
	LogDir        string            `json:"log_dir"`

	// optional alert sinks
	RedisAddr string `json:"redis_addr"`
	RedisKey  string `json:"redis_key"`
	AMQPURL   string `json:"amqp_url"`
	AMQPQueue string `json:"amqp_queue"`
}

type DataNodeConfig struct {
	NodeID            string            `json:"node_id"`
	Addr              string            `json:"addr"`
	BaseURL           string            `json:"base_url"`
	NameNodeURL       string            `json:"namenode_url"`
	DataDir           string            `json:"data_dir"`
	Backend           string            `json:"backend"` // fs | badger
	MaxBlockSize      datasize.ByteSize `json:"max_block_size"`
	HeartbeatInterval Duration          `json:"heartbeat_interval"`
	RegisterAttempts  int               `json:"register_attempts"`
	RegisterDelay     Duration          `json:"register_delay"`
	RequestTimeout    Duration          `json:"request_timeout"`
	LogDir            string            `json:"log_dir"`
}

type ClientConfig struct {
	NameNodeURL  string            `json:"namenode_url"`
	User         string            `json:"user"`
	Password     string            `json:"password"`
	BlockSize    datasize.ByteSize `json:"block_size"`
	BlockTimeout Duration          `json:"block_timeout"`
	MetaTimeout  Duration          `json:"meta_timeout"`
	Parallelism  int               `json:"parallelism"`
	MetaCacheTTL Duration          `json:"meta_cache_ttl"`
}

var (
	DefaultNameNodeConfig = NameNodeConfig{
		Addr:          ":8000",
		DBDriver:      "sqlite",
		DBDSN:         "data/storage.db",
		Users:         map[string]string{"alice": "alicepwd"},
		BlockSize:     DEFAULT_BLOCK_SIZE,
		DownThreshold: Duration(DOWN_THRESHOLD),
		RedisKey:      "griddfs:alerts",
		AMQPQueue:     "griddfs.alerts",
	}

	DefaultDataNodeConfig = DataNodeConfig{
		Addr:              ":8001",
		NameNodeURL:       "http://namenode:8000",
		DataDir:           "blocks",
		Backend:           "fs",
		MaxBlockSize:      64 * datasize.MB,
		HeartbeatInterval: Duration(5 * time.Second),
		RegisterAttempts:  10,
		RegisterDelay:     Duration(2 * time.Second),
		RequestTimeout:    Duration(5 * time.Second),
	}

	DefaultClientConfig = ClientConfig{
		NameNodeURL:  "http://localhost:8000",
		User:         "alice",
		Password:     "alicepwd",
		BlockSize:    DEFAULT_BLOCK_SIZE,
		BlockTimeout: Duration(10 * time.Second),
		MetaTimeout:  Duration(8 * time.Second),
		Parallelism:  1,
	}
)

// readConfigFile overlays the JSON file at path onto v. An empty path is a no-op.
func readConfigFile(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ParseUsers parses the "alice:alicepwd,bob:bobpwd" credential table.
func ParseUsers(s string) (map[string]string, error) {
	users := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, pwd, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: bad user entry %q", ErrValidation, pair)
		}
		users[name] = pwd
	}
	return users, nil
}

func parseSize(s string) (datasize.ByteSize, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: bad size %q", ErrValidation, s)
	}
	return v, nil
}

func LoadNameNodeConfig(path string) (NameNodeConfig, error) {
	cfg := DefaultNameNodeConfig
	if err := readConfigFile(path, &cfg); err != nil {
		return cfg, err
	}
	if v := os.Getenv("USERS"); v != "" {
		users, err := ParseUsers(v)
		if err != nil {
			return cfg, err
		}
		cfg.Users = users
	}
	if v := os.Getenv("BLOCK_SIZE"); v != "" {
		size, err := parseSize(v)
		if err != nil {
			return cfg, err
		}
		cfg.BlockSize = size
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	return cfg, nil
}

func LoadDataNodeConfig(path string) (DataNodeConfig, error) {
	cfg := DefaultDataNodeConfig
	if err := readConfigFile(path, &cfg); err != nil {
		return cfg, err
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("NAMENODE_URL"); v != "" {
		cfg.NameNodeURL = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig
	if err := readConfigFile(path, &cfg); err != nil {
		return cfg, err
	}
	if v := os.Getenv("NAMENODE_URL"); v != "" {
		cfg.NameNodeURL = v
	}
	if v := os.Getenv("BLOCK_SIZE"); v != "" {
		size, err := parseSize(v)
		if err != nil {
			return cfg, err
		}
		cfg.BlockSize = size
	}
	return cfg, nil
}
