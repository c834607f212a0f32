package queue

import "sync"

// Comparator 比较两个元素：a 排在 b 之前返回负数，相等返回 0，否则返回正数
type Comparator[E any] func(a, b E) int

// List 是只缓存 head 的侵入式双向链表，常用于按比较函数排序的待处理记录。
//
// 只有 Destroy 和 RemoveAllMatches 会加锁；InsertHead、InsertSorted、
// FindFirstMatch、Remove 都不加锁，调用方通常已持有自己的锁并把这些调用组合在一起。
type List[E comparable] struct {
	mu   sync.Mutex
	head E
	acc  Accessors[E]
}

func NewList[E comparable](accessors Accessors[E]) (*List[E], error) {
	if !accessors.valid() {
		return nil, ErrMissingAccessors
	}
	return &List[E]{acc: accessors}, nil
}

// Destroy 清空链表，并清除每个元素的前后指针
func (l *List[E]) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero E
	for e := l.head; e != zero; {
		next := l.acc.GetNext(e)
		l.acc.clear(e)
		e = next
	}
	l.head = zero
}

func (l *List[E]) Head() E {
	return l.head
}

func (l *List[E]) IsEmpty() bool {
	var zero E
	return l.head == zero
}

func (l *List[E]) Len() (count int) {
	var zero E
	for e := l.head; e != zero; e = l.acc.GetNext(e) {
		count++
	}
	return count
}

// InsertHead 把 data 插到当前 head 之前，data 不能已在链表中
func (l *List[E]) InsertHead(data E) {
	if debugAssertions {
		assert(!l.contains(data), "element inserted twice")
	}

	var zero E
	l.acc.clear(data)
	if l.head != zero {
		l.acc.SetNext(data, l.head)
		l.acc.SetPrev(l.head, data)
	}
	l.head = data
}

// InsertSorted 按 compare 插入 data。与 head 相等时插在 head 之前，
// 与后面的元素相等时插在该元素之后
func (l *List[E]) InsertSorted(data E, compare Comparator[E]) {
	if debugAssertions {
		assert(!l.contains(data), "element inserted twice")
	}

	var zero E
	l.acc.clear(data)

	if l.head == zero {
		l.head = data
		return
	}

	if compare(data, l.head) <= 0 {
		l.acc.SetNext(data, l.head)
		l.acc.SetPrev(l.head, data)
		l.head = data
		return
	}

	for cur := l.head; cur != zero; {
		next := l.acc.GetNext(cur)
		if next == zero {
			// 已到末尾，追加
			l.acc.SetNext(cur, data)
			l.acc.SetPrev(data, cur)
			return
		}
		if compare(data, cur) >= 0 && compare(data, next) < 0 {
			l.acc.SetNext(cur, data)
			l.acc.SetPrev(data, cur)
			l.acc.SetNext(data, next)
			l.acc.SetPrev(next, data)
			return
		}
		cur = next
	}
}

// FindFirstMatch 从 startPoint（为零值时从 head）开始向后查找第一个被 match 接受的元素，
// match 为 nil 时按 argument 比较元素本身
func (l *List[E]) FindFirstMatch(startPoint E, argument any, match Matcher[E]) E {
	var zero E
	if startPoint == zero {
		startPoint = l.head
	}
	for e := startPoint; e != zero; e = l.acc.GetNext(e) {
		if matches(argument, e, match) {
			return e
		}
	}
	return zero
}

// Remove 摘除 data。链表为空或 data 为零值时不做任何事，其他情况下 data 必须在链表中
func (l *List[E]) Remove(data E) {
	var zero E
	if l.head == zero || data == zero {
		return
	}
	if debugAssertions {
		assert(l.contains(data), "removing an element that is not in the list")
	}

	prev, next := l.acc.GetPrev(data), l.acc.GetNext(data)
	if data == l.head {
		l.head = next
	}
	if prev != zero {
		l.acc.SetNext(prev, next)
	}
	if next != zero {
		l.acc.SetPrev(next, prev)
	}
	l.acc.clear(data)
}

// RemoveAllMatches 在链表锁内删除所有被 shouldRemove 接受的元素（shouldRemove 为 nil 时删除全部），
// 每个元素摘除后交给 freeElement
func (l *List[E]) RemoveAllMatches(argument any, shouldRemove Matcher[E], freeElement func(E)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero E
	for e := l.head; e != zero; {
		next := l.acc.GetNext(e)
		if shouldRemove == nil || shouldRemove(argument, e) {
			l.Remove(e)
			if freeElement != nil {
				freeElement(e)
			}
		}
		e = next
	}
}

func (l *List[E]) contains(data E) bool {
	var zero E
	for e := l.head; e != zero; e = l.acc.GetNext(e) {
		if e == data {
			return true
		}
	}
	return false
}
