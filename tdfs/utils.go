package tdfs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GetHashStr returns the hex sha256 digest of bytes.
func GetHashStr(bytes []byte) string {
	hash := sha256.Sum256(bytes)
	return hex.EncodeToString(hash[:])
}

// GetHashReader streams r through sha256 and returns the hex digest.
func GetHashReader(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// FileHash returns the hex sha256 digest of the file at path.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return GetHashReader(f)
}

// BlockCount is ceil(size/blockSize).
func BlockCount(size, blockSize int64) int {
	if size <= 0 || blockSize <= 0 {
		return 0
	}
	if size%blockSize == 0 {
		return int(size / blockSize)
	}
	return int(size/blockSize) + 1
}

// BlockRange returns the byte range [off, off+n) covered by block index.
func BlockRange(index int, size, blockSize int64) (off, n int64) {
	off = int64(index) * blockSize
	end := off + blockSize
	if end > size {
		end = size
	}
	return off, end - off
}

func BlockID(owner, filename string, index int) string {
	return owner + ":" + filename + ":" + strconv.Itoa(index)
}

// maxKeyLen keeps storage keys well below common filename limits.
const maxKeyLen = 200

// blockKey turns an untrusted block id into a storage-safe key. The base64url
// alphabet never yields a path separator or a dot-only name.
func blockKey(blockID string) string {
	key := "blk_" + base64.RawURLEncoding.EncodeToString([]byte(blockID))
	if len(key) > maxKeyLen {
		return "blk_h_" + GetHashStr([]byte(blockID))
	}
	return key
}

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// CheckPath checks if path exist, if not create a new one
func CheckPath(path string) error {
	exist, err := PathExists(path)
	if err != nil {
		return err
	}
	if !exist {
		if err := os.MkdirAll(path, os.ModePerm); err != nil {
			return fmt.Errorf("mkdir %s: %w", path, err)
		}
	}
	return nil
}

// writeFileAtomic copies r into a temp file next to name and renames it over name,
// so readers never observe a half-written file.
func writeFileAtomic(name string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-"+filepath.Base(name)+"-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func trimBaseURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
