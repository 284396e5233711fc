package cache

import "sync"

// SegmentFile 是一个已写完的分片文件，Path 为 Store 文件系统中的绝对路径。
type SegmentFile struct {
	Key  SegmentKey
	Path string
}

// fifo 是带关闭状态的阻塞队列：push 从不阻塞，pop 在队列为空且未关闭时等待。
type fifo[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newFIFO[T any]() *fifo[T] {
	q := &fifo[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *fifo[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// pop 返回队首元素；队列已关闭且为空时返回 false。
func (q *fifo[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// close 标记不再有新元素，并唤醒所有等待者。返回是否由本次调用完成关闭。
func (q *fifo[T]) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	q.cond.Broadcast()
	return true
}

// PendingQueue 连接后台写入任务（生产者）与流式读取方（唯一消费者）。
// 写入任务每写完一个分片就 Offer，一次 Put 的分片按字节偏移升序入队；
// 全部写完后 Destroy，消费者取完剩余分片后得到结束信号。
type PendingQueue struct {
	files       *fifo[SegmentFile]
	totalLength int64
	done        chan struct{}

	mu      sync.Mutex
	skipped int64
}

// NewPendingQueue 创建一个打开状态的队列，totalLength 为写入方计划入队的总字节数。
func NewPendingQueue(totalLength int64) *PendingQueue {
	return &PendingQueue{
		files:       newFIFO[SegmentFile](),
		totalLength: totalLength,
		done:        make(chan struct{}),
	}
}

// Offer 追加一个分片文件并唤醒等待中的消费者，不会阻塞。
func (q *PendingQueue) Offer(file SegmentFile) {
	q.files.push(file)
}

// Consume 取出下一个分片。队列为空且未销毁时阻塞；已销毁且取空时立即返回 false。
func (q *PendingQueue) Consume() (SegmentFile, bool) {
	return q.files.pop()
}

// Destroy 声明不会再有新分片，唤醒阻塞中的消费者。重复调用无副作用。
func (q *PendingQueue) Destroy() {
	if q.files.close() {
		close(q.done)
	}
}

// Done 在 Destroy 之后关闭，调用方可据此确认写入任务已释放源数据流。
func (q *PendingQueue) Done() <-chan struct{} {
	return q.done
}

// TotalLength 返回写入方计划入队的总字节数。
func (q *PendingQueue) TotalLength() int64 {
	return q.totalLength
}

// Skipped 返回因写盘失败而未入队的字节数。
func (q *PendingQueue) Skipped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.skipped
}

func (q *PendingQueue) addSkipped(n int64) {
	q.mu.Lock()
	q.skipped += n
	q.mu.Unlock()
}

// filledQueue 构造已包含全部分片且已销毁的队列，用于把缓存命中的文件复用为 CompositeReader 的输入。
func filledQueue(files []SegmentFile) *PendingQueue {
	var total int64
	for _, f := range files {
		total += f.Key.Length()
	}
	q := NewPendingQueue(total)
	for _, f := range files {
		q.Offer(f)
	}
	q.Destroy()
	return q
}

// NewCachedQueue 把一组命中的缓存分片包装为已销毁的 PendingQueue。
func NewCachedQueue(results []CacheResult) *PendingQueue {
	files := make([]SegmentFile, 0, len(results))
	for _, r := range results {
		if r.IsCached() {
			files = append(files, SegmentFile{Key: r.Key, Path: r.File})
		}
	}
	return filledQueue(files)
}
