package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-iot-core/internal/logger"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Matcher 判断 element 是否与 argument 匹配。传入 nil 表示按元素身份比较。
type Matcher[E any] func(argument any, element E) bool

// QueueParams 是创建 Queue 的参数
type QueueParams[E comparable] struct {
	Accessors[E]

	// NotifyRoutine 在每次 InsertHead 时可能被一个新的 worker 执行，
	// worker 应循环调用 RemoveTail(true) 直到得到零值后返回。
	NotifyRoutine  func(arg any)
	NotifyArgument any

	// Spawn 启动一个分离的 worker，默认直接起 goroutine。
	Spawn func(fn func()) error
}

// Queue 是互斥锁保护的侵入式双向队列。InsertHead + RemoveTail 构成 FIFO。
type Queue[E comparable] struct {
	mu   sync.Mutex
	head E
	tail E
	acc  Accessors[E]

	notify    func(any)
	notifyArg any
	spawn     func(func()) error
	sem       *semaphore.Weighted
	maxNotify int64
	workers   atomic.Int32
}

func goSpawn(fn func()) error {
	go fn()
	return nil
}

// NewQueue 创建队列。maxNotifyThreads 限制同时运行的通知 worker 数，设置了通知函数时至少为 1
func NewQueue[E comparable](params QueueParams[E], maxNotifyThreads uint) (*Queue[E], error) {
	if !params.Accessors.valid() {
		return nil, ErrMissingAccessors
	}
	if params.NotifyRoutine != nil && maxNotifyThreads == 0 {
		return nil, ErrNoNotifyThreads
	}

	q := &Queue[E]{
		acc:       params.Accessors,
		notify:    params.NotifyRoutine,
		notifyArg: params.NotifyArgument,
		spawn:     params.Spawn,
	}
	if q.spawn == nil {
		q.spawn = goSpawn
	}
	if q.notify != nil {
		q.maxNotify = int64(maxNotifyThreads)
		q.sem = semaphore.NewWeighted(q.maxNotify)
	}
	return q, nil
}

// Destroy 等待所有已启动的通知 worker 退出后清空队列，仍在队列中的元素只被摘除。
// ctx 先结束时队列保持原样并返回 ctx.Err()
func (q *Queue[E]) Destroy(ctx context.Context) error {
	if q.sem != nil {
		// 拿满全部信号量即说明所有 worker 都已退出，之后也不会再有新 worker
		if err := q.sem.Acquire(ctx, q.maxNotify); err != nil {
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var zero E
	for e := q.head; e != zero; {
		next := q.acc.GetNext(e)
		q.acc.clear(e)
		e = next
	}
	q.head, q.tail = zero, zero
	q.notify, q.notifyArg = nil, nil
	// 信号量已全部收回，清空后重复 Destroy 不会再等待
	q.sem, q.maxNotify = nil, 0
	return nil
}

// InsertHead 把 data 插为新的 head。配置了通知函数且有空闲的 worker 名额时启动一个 worker，
// 启动失败则撤销插入并返回错误。名额已满时插入成功，由运行中的 worker 取走元素
func (q *Queue[E]) InsertHead(data E) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero E
	q.acc.clear(data)
	if q.head == zero {
		q.head, q.tail = data, data
	} else {
		q.acc.SetNext(data, q.head)
		q.acc.SetPrev(q.head, data)
		q.head = data
	}

	if q.notify == nil || !q.sem.TryAcquire(1) {
		return nil
	}

	q.workers.Inc()
	notify, arg := q.notify, q.notifyArg
	if err := q.spawn(func() { notify(arg) }); err != nil {
		q.remove(data)
		q.workers.Dec()
		q.sem.Release(1)
		logger.WarnF("Notify worker spawn failed, insertion rolled back: %v", err)
		return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	return nil
}

// RemoveTail 弹出最早插入的元素。队列为空且 notifyExitIfEmpty 为 true 时，表示调用的 worker 即将退出
func (q *Queue[E]) RemoveTail(notifyExitIfEmpty bool) E {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero E
	if q.tail == zero {
		if notifyExitIfEmpty && q.sem != nil && q.workers.Load() > 0 {
			q.workers.Dec()
			q.sem.Release(1)
		}
		return zero
	}

	e := q.tail
	q.remove(e)
	return e
}

// RemoveFirstMatch 从 tail 向 head 查找并删除第一个被 shouldRemove 接受的元素，
// shouldRemove 为 nil 时按 argument 比较元素本身
func (q *Queue[E]) RemoveFirstMatch(argument any, shouldRemove Matcher[E]) E {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero E
	for e := q.tail; e != zero; e = q.acc.GetPrev(e) {
		if matches(argument, e, shouldRemove) {
			q.remove(e)
			return e
		}
	}
	return zero
}

// RemoveAllMatches 从 head 到 tail 一次遍历，删除所有被 shouldRemove 接受的元素（为 nil 时删除全部），
// freeElement 不为 nil 时在元素摘除后接收该元素
func (q *Queue[E]) RemoveAllMatches(argument any, shouldRemove Matcher[E], freeElement func(E)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero E
	for e := q.head; e != zero; {
		next := q.acc.GetNext(e)
		if shouldRemove == nil || shouldRemove(argument, e) {
			q.remove(e)
			if freeElement != nil {
				freeElement(e)
			}
		}
		e = next
	}
}

func (q *Queue[E]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero E
	return q.head == zero
}

// Len 为 O(n) 操作
func (q *Queue[E]) Len() (count int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero E
	for e := q.head; e != zero; e = q.acc.GetNext(e) {
		count++
	}
	return count
}

// Workers 返回当前运行中的通知 worker 数
func (q *Queue[E]) Workers() int {
	return int(q.workers.Load())
}

// remove 必须在持有锁时调用，e 必须在队列中
func (q *Queue[E]) remove(e E) {
	var zero E
	switch e {
	case q.head:
		q.head = q.acc.GetNext(e)
		if q.head == zero {
			q.tail = zero
		} else {
			q.acc.SetPrev(q.head, zero)
		}
	case q.tail:
		q.tail = q.acc.GetPrev(e)
		if q.tail == zero {
			q.head = zero
		} else {
			q.acc.SetNext(q.tail, zero)
		}
	default:
		prev, next := q.acc.GetPrev(e), q.acc.GetNext(e)
		assert(prev != zero && next != zero, "interior element must have both neighbours")
		q.acc.SetNext(prev, next)
		q.acc.SetPrev(next, prev)
	}
	q.acc.clear(e)
}

func matches[E comparable](argument any, e E, match Matcher[E]) bool {
	if match == nil {
		return argument == any(e)
	}
	return match(argument, e)
}
