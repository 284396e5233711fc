package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	contentDir = "content"
	headersDir = "headers"
)

// Store 是分片磁盘缓存。磁盘布局：
//
//	<root>/content/<hash(host)>/<hash(url)>/<start>_<end>   # 分片正文
//	<root>/headers/<hash(host)>/<hash(url)>                 # 响应头文本
//
// mu 保护容量统计、trim、combine 与头部写入（独占），普通读取持共享锁。
// 所有分片写入由唯一的后台 writer 串行执行。
type Store struct {
	root    string
	maxSize int64
	fs      afero.Fs
	logger  *logrus.Logger
	now     func() time.Time

	mu sync.RWMutex
	// reserved 记录已准入但尚未落盘的字节，避免并发 Put 超出预算。
	reserved atomic.Int64

	tasks     *fifo[func()]
	writerWG  sync.WaitGroup
	closeOnce sync.Once
}

// Option 配置 Store。
type Option func(*Store)

// WithFs 替换底层文件系统，测试中通常传入 afero.NewMemMapFs()。
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithLogger 注入结构化日志实例。
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow 替换时钟，用于 LRU 触碰时间。
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore 以 root 为缓存根目录、maxSize 为正文总容量上限构建 Store，并启动后台 writer。
func NewStore(root string, maxSize int64, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage path required")
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("invalid max cache size: %d", maxSize)
	}

	s := &Store{
		maxSize: maxSize,
		fs:      afero.NewOsFs(),
		now:     time.Now,
		tasks:   newFIFO[func()](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}

	if _, ok := s.fs.(*afero.OsFs); ok {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve storage path: %w", err)
		}
		root = abs
	}
	s.root = filepath.Clean(root)

	for _, dir := range []string{s.contentRoot(), s.headersRoot()} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
	}

	s.removeStaleTemp()

	s.writerWG.Add(1)
	go s.runWriter()
	return s, nil
}

// Fs 返回 Store 使用的文件系统，CompositeReader 需要通过它打开分片。
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// MaxSize 返回正文容量上限。
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// NewReader 创建绑定到本 Store 文件系统的 CompositeReader。
func (s *Store) NewReader(queue *PendingQueue, startOffset, totalLength int64) *CompositeReader {
	return NewCompositeReader(s.fs, queue, startOffset, totalLength)
}

// Close 停止接受新的写入任务，并等待已提交的任务全部完成。
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.tasks.close()
	})
	s.writerWG.Wait()
	return nil
}

// runWriter 是唯一的磁盘写入 goroutine，按提交顺序串行执行任务。
func (s *Store) runWriter() {
	defer s.writerWG.Done()
	for {
		task, ok := s.tasks.pop()
		if !ok {
			return
		}
		task()
	}
}

func (s *Store) submit(task func()) bool {
	return s.tasks.push(task)
}

func (s *Store) contentRoot() string {
	return filepath.Join(s.root, contentDir)
}

func (s *Store) headersRoot() string {
	return filepath.Join(s.root, headersDir)
}

func (s *Store) resourceDir(host, url string) string {
	return filepath.Join(s.contentRoot(), hashName(host), hashName(url))
}

func (s *Store) headerPath(host, url string) string {
	return filepath.Join(s.headersRoot(), hashName(host), hashName(url))
}

func (s *Store) segmentPath(key SegmentKey) string {
	return filepath.Join(s.resourceDir(key.Host, key.URL), key.FileName())
}

// copyBuffered 从 src 读取最多 n 字节写入 dst，consumed 为已从 src 读出的字节数。
// 读端与写端错误分开返回，以便写入任务区分"源数据流结束"与"磁盘写失败"。
func copyBuffered(dst io.Writer, src io.Reader, n int64, buf []byte) (consumed int64, readErr, writeErr error) {
	for consumed < n {
		chunk := buf
		if remaining := n - consumed; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		nr, rErr := src.Read(chunk)
		if nr > 0 {
			consumed += int64(nr)
			nw, wErr := dst.Write(chunk[:nr])
			if wErr != nil {
				return consumed, nil, wErr
			}
			if nw < nr {
				return consumed, nil, io.ErrShortWrite
			}
		}
		if rErr != nil {
			if errors.Is(rErr, io.EOF) && consumed == n {
				return consumed, nil, nil
			}
			if errors.Is(rErr, io.EOF) {
				return consumed, io.ErrUnexpectedEOF, nil
			}
			return consumed, rErr, nil
		}
	}
	return consumed, nil, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
