// Package queue 实现侵入式双向链表容器：线程安全的 Queue 与由调用方加锁的 List。
// 容器本身从不分配或释放元素，只通过 Accessors 读写元素上的两个链接字段。
package queue

import "errors"

var (
	ErrMissingAccessors = errors.New("all four link accessors are required")
	ErrNoNotifyThreads  = errors.New("notify routine requires at least one notify thread")
	ErrSpawnFailed      = errors.New("failed to spawn notify thread")
)

// Accessors 读写元素的 next/prev 链接，E 的零值表示空链接。
// 四个函数必须无副作用（除对应链接字段外）且不能失败。
type Accessors[E comparable] struct {
	GetNext func(E) E
	SetNext func(E, E)
	GetPrev func(E) E
	SetPrev func(E, E)
}

func (a Accessors[E]) valid() bool {
	return a.GetNext != nil && a.SetNext != nil && a.GetPrev != nil && a.SetPrev != nil
}

// clear 断开元素自身的链接
func (a Accessors[E]) clear(e E) {
	var zero E
	a.SetNext(e, zero)
	a.SetPrev(e, zero)
}

// Linker 由自带前后指针的元素实现，通常通过内嵌 Entry
type Linker[E any] interface {
	Next() E
	Prev() E
	SetNext(E)
	SetPrev(E)
}

// Entry 是默认的 Linker，内嵌到元素结构体中即可链接：
//
//	type op struct {
//		queue.Entry[*op]
//		id uint16
//	}
type Entry[E any] struct {
	next E
	prev E
}

func (e *Entry[E]) Next() E { return e.next }

func (e *Entry[E]) Prev() E { return e.prev }

func (e *Entry[E]) SetNext(elem E) { e.next = elem }

func (e *Entry[E]) SetPrev(elem E) { e.prev = elem }

// LinkerAccessors 返回基于元素 Linker 方法的 Accessors
func LinkerAccessors[E interface {
	comparable
	Linker[E]
}]() Accessors[E] {
	return Accessors[E]{
		GetNext: func(e E) E { return e.Next() },
		SetNext: func(e, next E) { e.SetNext(next) },
		GetPrev: func(e E) E { return e.Prev() },
		SetPrev: func(e, prev E) { e.SetPrev(prev) },
	}
}
