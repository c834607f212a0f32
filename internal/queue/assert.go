//go:build !iotcore_debug

package queue

// 非调试构建不检查调用方的前置条件（重复插入、移除不存在的元素等）。
const debugAssertions = false

func assert(bool, string) {}
