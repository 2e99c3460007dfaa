package exporter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YKarmar/JobFunnel/internal/types"
)

const resultFile = "result.json"

// 扫描结果的磁盘缓存，每个 (owner, start, end) 一个目录
// 过期条目会被删除，超过 maxEntries 时淘汰最旧的
type ArtifactCache struct {
	root       string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	log        *zap.Logger

	mu sync.Mutex
}

func NewArtifactCache(root string, ttl time.Duration, maxEntries int, log *zap.Logger) *ArtifactCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ArtifactCache{root: root, ttl: ttl, maxEntries: maxEntries, now: time.Now, log: log}
}

// 替换时钟，测试用
func (c *ArtifactCache) WithClock(now func() time.Time) *ArtifactCache {
	c.now = now
	return c
}

// 某个邮箱在某个时间窗口的缓存键
func CacheKey(owner, start, end string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(owner) + "|" + start + "|" + end))
	return hex.EncodeToString(sum[:])
}

func (c *ArtifactCache) entryDir(key string) string {
	return filepath.Join(c.root, key)
}

// 读取未过期的缓存结果，并加载漏斗图
func (c *ArtifactCache) Get(owner, start, end string) (*types.ScanResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.entryDir(CacheKey(owner, start, end))
	res, err := readResult(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("unreadable cache entry, removing", zap.String("dir", dir), zap.Error(err))
			_ = os.RemoveAll(dir)
		}
		return nil, false
	}
	if c.expired(res.GeneratedAt) {
		c.log.Debug("cache entry expired", zap.String("dir", dir))
		_ = os.RemoveAll(dir)
		return nil, false
	}
	png, err := os.ReadFile(res.Artifacts.FunnelImage)
	if err != nil {
		c.log.Warn("cache entry missing funnel image, removing", zap.String("dir", dir), zap.Error(err))
		_ = os.RemoveAll(dir)
		return nil, false
	}
	res.Artifacts.FunnelImageBytes = png
	res.Cached = true
	return res, true
}

// 写入 owner 在该时间窗口的结果，替换旧条目，并返回填好文件路径的结果
// 写完之后条目才可见
func (c *ArtifactCache) Put(owner string, res types.ScanResult) (types.ScanResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return res, fmt.Errorf("create cache dir: %w", err)
	}
	key := CacheKey(owner, res.StartDate, res.EndDate)
	final := c.entryDir(key)

	tmp, err := os.MkdirTemp(c.root, ".tmp-"+key[:12]+"-")
	if err != nil {
		return res, fmt.Errorf("create cache staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if _, err := WriteArtifacts(tmp, res); err != nil {
		return res, err
	}
	arts, err := artifactsIn(final)
	if err != nil {
		return res, err
	}
	res.Artifacts = arts
	res.Cached = false
	if err := writeJSON(filepath.Join(tmp, resultFile), res); err != nil {
		return res, err
	}

	if err := os.RemoveAll(final); err != nil {
		return res, fmt.Errorf("replace cache entry: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return res, fmt.Errorf("publish cache entry: %w", err)
	}
	if res.Artifacts.FunnelImageBytes, err = os.ReadFile(res.Artifacts.FunnelImage); err != nil {
		return res, fmt.Errorf("read funnel image: %w", err)
	}

	c.prune(key)
	return res, nil
}

func artifactsIn(dir string) (types.Artifacts, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return types.Artifacts{}, fmt.Errorf("resolve cache dir: %w", err)
	}
	return types.Artifacts{
		Dir:             abs,
		SummaryJSON:     filepath.Join(abs, SummaryFile),
		ApplicationsCSV: filepath.Join(abs, ApplicationsFile),
		MessagesCSV:     filepath.Join(abs, MessagesFile),
		FunnelImage:     filepath.Join(abs, FunnelFile),
	}, nil
}

func readResult(dir string) (*types.ScanResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, resultFile))
	if err != nil {
		return nil, err
	}
	var res types.ScanResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, nil
}

func (c *ArtifactCache) expired(generated time.Time) bool {
	return c.ttl > 0 && c.now().Sub(generated) > c.ttl
}

type cacheEntry struct {
	dir       string
	generated time.Time
}

// 清理过期条目和超出上限的最旧条目，刚写入的不会被淘汰
func (c *ArtifactCache) prune(keep string) {
	dirs, err := os.ReadDir(c.root)
	if err != nil {
		c.log.Warn("list cache dir", zap.Error(err))
		return
	}
	var live []cacheEntry
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") || d.Name() == keep {
			continue
		}
		dir := c.entryDir(d.Name())
		res, err := readResult(dir)
		if err != nil || c.expired(res.GeneratedAt) {
			c.log.Debug("evicting cache entry", zap.String("key", d.Name()))
			_ = os.RemoveAll(dir)
			continue
		}
		live = append(live, cacheEntry{dir: dir, generated: res.GeneratedAt})
	}
	if c.maxEntries <= 0 || len(live)+1 <= c.maxEntries {
		return
	}
	sort.Slice(live, func(i, j int) bool { return live[i].generated.Before(live[j].generated) })
	for _, e := range live[:len(live)+1-c.maxEntries] {
		c.log.Debug("evicting cache entry over limit", zap.String("dir", e.dir))
		_ = os.RemoveAll(e.dir)
	}
}
